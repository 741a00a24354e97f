package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/friendrelay/internal/account"
	"github.com/petervdpas/friendrelay/internal/events"
	"github.com/petervdpas/friendrelay/internal/metrics"
	"github.com/petervdpas/friendrelay/internal/presence"
	"github.com/petervdpas/friendrelay/internal/proto"
	"github.com/petervdpas/friendrelay/internal/relay"
	"github.com/petervdpas/friendrelay/internal/storage"
	"github.com/petervdpas/friendrelay/internal/transport"
)

const adminPassword = "letmein"

type testRelay struct {
	ts       *httptest.Server
	db       *storage.DB
	hub      *relay.Hub
	activity *Activity
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	m := metrics.New()
	activity := NewActivity(10)
	hub := relay.NewHub(db, presence.New(), relay.Options{
		MaxMessageBytes: 4096,
		HistoryLimit:    100,
		RateLimit:       relay.RateLimit{EventsPerSecond: 100, Burst: 100},
	}, m, events.Multi{activity})
	require.NoError(t, hub.Start(context.Background()))

	tokens, _, err := account.NewTokens("test-secret", time.Hour)
	require.NoError(t, err)

	srv := New(Options{
		AdminPassword: adminPassword,
		HistoryLimit:  100,
		Transport: transport.Options{
			SendBuffer:    32,
			WriteWait:     5 * time.Second,
			PongWait:      30 * time.Second,
			PingInterval:  10 * time.Second,
			MaxFrameBytes: 1 << 16,
		},
	}, hub, account.NewService(db, tokens, m), db, m, activity)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testRelay{ts: ts, db: db, hub: hub, activity: activity}
}

func (tr *testRelay) post(t *testing.T, path string, body any) (int, map[string]string) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(tr.ts.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]string{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (tr *testRelay) signup(t *testing.T, username string) string {
	t.Helper()
	code, out := tr.post(t, "/signup", map[string]string{"username": username, "password": "secret"})
	require.Equal(t, http.StatusOK, code, out["error"])
	require.Equal(t, "success", out["status"])
	require.Equal(t, username, out["username"])
	require.NotEmpty(t, out["token"])
	return out["token"]
}

type client struct {
	t    *testing.T
	ws   *websocket.Conn
	seen []string
}

func (tr *testRelay) dial(t *testing.T, token string) *client {
	t.Helper()
	u := "ws" + strings.TrimPrefix(tr.ts.URL, "http") + "/ws?token=" + url.QueryEscape(token)
	ws, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(frame map[string]string) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(frame))
}

// expect reads frames until one of type typ arrives, remembering the types
// it skipped over.
func (c *client) expect(typ string) map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var ev map[string]any
		require.NoError(c.t, c.ws.ReadJSON(&ev), "waiting for %s", typ)
		got, _ := ev["type"].(string)
		if got == typ {
			return ev
		}
		c.seen = append(c.seen, got)
	}
}

func TestFriendshipOverWebsocket(t *testing.T) {
	tr := newTestRelay(t)
	alice := tr.dial(t, tr.signup(t, "alice"))
	alice.expect(proto.TypeUserList)
	bob := tr.dial(t, tr.signup(t, "bob"))
	bob.expect(proto.TypeUserList)

	list := alice.expect(proto.TypeUserList)
	require.ElementsMatch(t, []any{"alice", "bob"}, list["users"])

	alice.send(map[string]string{"type": "friend_request", "recipient": "bob"})
	got := bob.expect(proto.TypeFriendRequestReceived)
	require.Equal(t, "alice", got["from"])

	bob.send(map[string]string{"type": "friend_response", "requester": "alice", "response": "accept"})
	got = alice.expect(proto.TypeFriendResponse)
	require.Equal(t, "bob", got["from"])
	require.Equal(t, "accept", got["response"])

	alice.send(map[string]string{"type": "get_friends"})
	require.Equal(t, []any{"bob"}, alice.expect(proto.TypeFriendsList)["friends"])
	bob.send(map[string]string{"type": "get_friends"})
	require.Equal(t, []any{"alice"}, bob.expect(proto.TypeFriendsList)["friends"])

	require.Eventually(t, func() bool { return len(tr.activity.Snapshot()) >= 4 }, time.Second, 10*time.Millisecond)
	require.Contains(t, strings.Join(tr.activity.Snapshot(), "\n"), "friend.accepted bob -> alice")
}

func TestOfflineMessageIsDurableOnly(t *testing.T) {
	tr := newTestRelay(t)
	aliceTok := tr.signup(t, "alice")
	bobTok := tr.signup(t, "bob")

	alice := tr.dial(t, aliceTok)
	alice.expect(proto.TypeUserList)
	alice.send(map[string]string{"type": "message", "recipient": "bob", "message": "hi bob"})

	// The message is stored before any delivery attempt.
	require.Eventually(t, func() bool {
		msgs, err := tr.db.QueryConversation(context.Background(), "alice", "bob", 0)
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	bob := tr.dial(t, bobTok)
	bob.send(map[string]string{"type": "get_messages", "with": "alice"})
	conv := bob.expect(proto.TypeConversation)
	require.NotContains(t, bob.seen, proto.TypeMessage)

	msgs := conv["messages"].([]any)
	require.Len(t, msgs, 1)
	first := msgs[0].(map[string]any)
	require.Equal(t, "alice", first["sender"])
	require.Equal(t, "hi bob", first["content"])
	require.NotEmpty(t, first["timestamp"])

	req, err := http.NewRequest(http.MethodGet, tr.ts.URL+"/get_messages?user1=bob&user2=alice", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bobTok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var history []proto.HistoryEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	require.Len(t, history, 1)
	require.Equal(t, "alice", history[0].Sender)
	require.Equal(t, "bob", history[0].Recipient)
	require.Equal(t, first["timestamp"], history[0].Timestamp)
}

func TestGetMessagesRequiresParticipant(t *testing.T) {
	tr := newTestRelay(t)
	tr.signup(t, "alice")
	tr.signup(t, "bob")
	eveTok := tr.signup(t, "eve")

	get := func(token string) int {
		req, err := http.NewRequest(http.MethodGet, tr.ts.URL+"/get_messages?user1=alice&user2=bob", nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusUnauthorized, get(""))
	require.Equal(t, http.StatusUnauthorized, get("garbage"))
	require.Equal(t, http.StatusForbidden, get(eveTok))
}

func TestAuthEndpoints(t *testing.T) {
	tr := newTestRelay(t)
	tr.signup(t, "alice")

	code, out := tr.post(t, "/signup", map[string]string{"username": "alice", "password": "secret"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "username already exists", out["error"])

	code, out = tr.post(t, "/signup", map[string]string{"username": "bob", "password": "abc"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, out["error"], "password")

	code, out = tr.post(t, "/login", map[string]string{"username": "alice", "password": "nope!"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid username or password", out["error"])

	code, out = tr.post(t, "/login", map[string]string{"username": "alice", "password": "secret"})
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, out["token"])

	resp, err := http.Get(tr.ts.URL + "/login")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	tr := newTestRelay(t)
	u := "ws" + strings.TrimPrefix(tr.ts.URL, "http") + "/ws?token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, tr.hub.Online())
}

func TestAdminEndpoints(t *testing.T) {
	tr := newTestRelay(t)
	alice := tr.dial(t, tr.signup(t, "alice"))
	alice.expect(proto.TypeUserList)

	resp, err := http.Get(tr.ts.URL + "/online.json")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, tr.ts.URL+"/online.json", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", adminPassword)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var online []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&online))
	require.Equal(t, []string{"alice"}, online)
}

func TestAdminDisabledWithoutPassword(t *testing.T) {
	srv := New(Options{}, nil, nil, nil, nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs.json", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	tr := newTestRelay(t)

	resp, err := http.Get(tr.ts.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tr.signup(t, "alice")
	resp, err = http.Get(tr.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), `friendrelay_auth_total{op="signup",outcome="ok"} 1`)

	require.NoError(t, tr.db.Close())
	resp, err = http.Get(tr.ts.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStartServesUntilCancelled(t *testing.T) {
	srv := New(Options{Addr: "127.0.0.1:0", AdminPassword: adminPassword}, nil, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))

	req, err := http.NewRequest(http.MethodGet, "http://"+srv.Addr()+"/logs.json", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", adminPassword)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.Addr() + "/logs.json")
		if err == nil {
			_ = resp.Body.Close()
		}
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
	srv.Wait()
}

func TestActivityRing(t *testing.T) {
	a := NewActivity(2)
	a.Publish(events.New(events.KindSessionOnline, "alice", ""))
	a.Publish(events.New(events.KindFriendRequested, "alice", "bob"))
	a.Publish(events.New(events.KindSessionOffline, "alice", ""))

	got := a.Snapshot()
	require.Len(t, got, 2)
	require.Contains(t, got[0], "friend.requested alice -> bob")
	require.Contains(t, got[1], "session.offline alice")
}
