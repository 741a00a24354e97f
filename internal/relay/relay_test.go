package relay

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/friendrelay/internal/events"
	"github.com/petervdpas/friendrelay/internal/presence"
	"github.com/petervdpas/friendrelay/internal/proto"
	"github.com/petervdpas/friendrelay/internal/storage"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []proto.Outbound
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeTransport) Send(ev proto.Outbound) error {
	select {
	case <-f.closed:
		return errors.New("closed")
	default:
	}
	f.mu.Lock()
	f.sent = append(f.sent, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) Next() ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// ofType returns the recorded events with the given wire type.
func (f *fakeTransport) ofType(typ string) []proto.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proto.Outbound
	for _, ev := range f.sent {
		if ev.EventType() == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeTransport) last(typ string) proto.Outbound {
	evs := f.ofType(typ)
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	hub *Hub
	db  *storage.DB
	pub *recorder
}

func testOptions() Options {
	return Options{
		MaxMessageBytes: 256,
		HistoryLimit:    100,
		RateLimit:       RateLimit{EventsPerSecond: 1000, Burst: 1000},
	}
}

func newFixture(t *testing.T, opts Options, users ...string) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	for _, u := range users {
		_, err := db.CreateIdentity(context.Background(), u, "")
		require.NoError(t, err)
	}
	pub := &recorder{}
	hub := NewHub(db, presence.New(), opts, nil, pub)
	require.NoError(t, hub.Start(context.Background()))
	return &fixture{hub: hub, db: db, pub: pub}
}

func (f *fixture) connect(t *testing.T, identity string) (*Session, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	return f.hub.Connect(context.Background(), identity, tr), tr
}

func (f *fixture) send(s *Session, frame string) {
	f.hub.Router().Handle(context.Background(), s, []byte(frame))
}

func (f *fixture) online(t *testing.T, identity string) bool {
	t.Helper()
	id, err := f.db.FindIdentity(context.Background(), identity)
	require.NoError(t, err)
	return id.Online
}

func requireError(t *testing.T, tr *fakeTransport, event, reason string) {
	t.Helper()
	ev, ok := tr.last(proto.TypeError).(proto.ErrorEvent)
	require.True(t, ok, "no error event recorded")
	require.Equal(t, event, ev.Event)
	require.Equal(t, reason, ev.Reason)
}

func TestConnectBroadcastsPresence(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testOptions(), "alice", "bob")

	_, ta := f.connect(t, "alice")
	req.True(f.online(t, "alice"))
	req.Equal([]string{"alice"}, ta.last(proto.TypeUserList).(proto.UserList).Users)

	sb, tb := f.connect(t, "bob")
	req.Equal([]string{"alice", "bob"}, ta.last(proto.TypeUserList).(proto.UserList).Users)
	req.Equal([]string{"alice", "bob"}, tb.last(proto.TypeUserList).(proto.UserList).Users)

	f.hub.Disconnect(sb)
	req.False(f.online(t, "bob"))
	req.True(tb.isClosed())
	req.Equal([]string{"alice"}, ta.last(proto.TypeUserList).(proto.UserList).Users)
	req.Equal([]string{"alice"}, f.hub.Online())

	// Disconnect runs once
	f.hub.Disconnect(sb)
	req.Len(ta.ofType(proto.TypeUserList), 3)
}

func TestLiveVersusDurableDelivery(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, testOptions(), "alice", "bob", "carol")

	sa, ta := f.connect(t, "alice")
	_, tb := f.connect(t, "bob")

	// bob is live: exactly one push
	f.send(sa, `{"type":"message","recipient":"bob","message":"hi"}`)
	pushes := tb.ofType(proto.TypeMessage)
	req.Len(pushes, 1)
	msg := pushes[0].(proto.Message)
	req.Equal("alice", msg.Sender)
	req.Equal("hi", msg.Message)
	req.NotEmpty(msg.Timestamp)

	// carol is offline: no push, still durable
	f.send(sa, `{"type":"message","recipient":"carol","message":"later"}`)
	conv, err := f.db.QueryConversation(ctx, "alice", "carol", 0)
	req.NoError(err)
	req.Len(conv, 1)
	req.Equal("later", conv[0].Content)

	// the sender gets no echo and no error
	req.Empty(ta.ofType(proto.TypeMessage))
	req.Empty(ta.ofType(proto.TypeError))
	req.Equal([]string{events.KindSessionOnline, events.KindSessionOnline, events.KindMessageStored, events.KindMessageStored}, f.pub.kinds())
}

func TestMessageErrors(t *testing.T) {
	f := newFixture(t, testOptions(), "alice")
	sa, ta := f.connect(t, "alice")

	f.send(sa, `{"type":"message","recipient":"ghost","message":"hi"}`)
	requireError(t, ta, proto.TypeMessage, proto.ReasonNotFound)

	f.send(sa, `{"type":"message","recipient":"alice","message":"hi"}`)
	requireError(t, ta, proto.TypeMessage, proto.ReasonInvalid)
}

func TestFriendshipFlow(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, testOptions(), "alice", "bob")

	sa, ta := f.connect(t, "alice")
	sb, tb := f.connect(t, "bob")

	f.send(sa, `{"type":"friend_request","recipient":"bob"}`)
	got := tb.ofType(proto.TypeFriendRequestReceived)
	req.Len(got, 1)
	req.Equal("alice", got[0].(proto.FriendRequestReceived).From)

	f.send(sb, `{"type":"get_pending_requests"}`)
	req.Equal([]string{"alice"}, tb.last(proto.TypePendingRequests).(proto.RequestList).Requests)

	f.send(sa, `{"type":"get_sent_requests"}`)
	req.Equal([]string{"bob"}, ta.last(proto.TypeSentRequests).(proto.RequestList).Requests)

	f.send(sb, `{"type":"friend_response","requester":"alice","response":"accept"}`)
	resp := ta.ofType(proto.TypeFriendResponse)
	req.Len(resp, 1)
	req.Equal("bob", resp[0].(proto.FriendResponse).From)
	req.Equal("accept", resp[0].(proto.FriendResponse).Response)

	f.send(sa, `{"type":"get_friends"}`)
	f.send(sb, `{"type":"get_friends"}`)
	req.Equal([]string{"bob"}, ta.last(proto.TypeFriendsList).(proto.FriendsList).Friends)
	req.Equal([]string{"alice"}, tb.last(proto.TypeFriendsList).(proto.FriendsList).Friends)

	e, err := f.db.GetEdge(ctx, "alice", "bob")
	req.NoError(err)
	req.Equal(storage.StatusAccepted, e.Status)

	req.Empty(ta.ofType(proto.TypeError))
	req.Empty(tb.ofType(proto.TypeError))
}

func TestFriendResponseFailureNotifiesNobody(t *testing.T) {
	f := newFixture(t, testOptions(), "alice", "bob")
	sa, ta := f.connect(t, "alice")
	_, tb := f.connect(t, "bob")

	f.send(sa, `{"type":"friend_request","recipient":"bob"}`)

	// wrong direction: alice answers her own request
	f.send(sa, `{"type":"friend_response","requester":"bob","response":"accept"}`)
	requireError(t, ta, proto.TypeFriendResponse, proto.ReasonConflict)
	require.Empty(t, tb.ofType(proto.TypeFriendResponse))
}

func TestDuplicateRequestConflicts(t *testing.T) {
	f := newFixture(t, testOptions(), "alice", "bob")
	sa, _ := f.connect(t, "alice")
	sb, tb := f.connect(t, "bob")

	f.send(sa, `{"type":"friend_request","recipient":"bob"}`)
	f.send(sb, `{"type":"friend_request","recipient":"alice"}`)
	requireError(t, tb, proto.TypeFriendRequest, proto.ReasonConflict)

	f.send(sb, `{"type":"friend_request","recipient":"bob"}`)
	requireError(t, tb, proto.TypeFriendRequest, proto.ReasonInvalid)

	f.send(sb, `{"type":"friend_request","recipient":"ghost"}`)
	requireError(t, tb, proto.TypeFriendRequest, proto.ReasonNotFound)
}

func TestRemoveNotifiesBothParties(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, testOptions(), "alice", "bob")
	sa, ta := f.connect(t, "alice")
	sb, tb := f.connect(t, "bob")

	f.send(sa, `{"type":"friend_request","recipient":"bob"}`)
	f.send(sb, `{"type":"friend_response","requester":"alice","response":"accept"}`)
	f.send(sb, `{"type":"remove_friend","target":"alice"}`)

	ack := tb.last(proto.TypeFriendRemoved).(proto.FriendRemoved)
	req.Equal("alice", ack.Target)
	req.Empty(ack.RemovedUser)

	notice := ta.last(proto.TypeFriendRemoved).(proto.FriendRemoved)
	req.Equal("bob", notice.RemovedUser)
	req.Empty(notice.Target)

	_, err := f.db.GetEdge(ctx, "alice", "bob")
	req.ErrorIs(err, storage.ErrNotFound)

	// removing again is not_found; the pair can start over
	f.send(sb, `{"type":"remove_friend","target":"alice"}`)
	requireError(t, tb, proto.TypeRemoveFriend, proto.ReasonNotFound)
	f.send(sa, `{"type":"friend_request","recipient":"bob"}`)
	req.Len(tb.ofType(proto.TypeFriendRequestReceived), 2)
}

func TestGetMessagesConversation(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testOptions(), "alice", "bob")
	sa, _ := f.connect(t, "alice")

	f.send(sa, `{"type":"message","recipient":"bob","message":"one"}`)
	f.send(sa, `{"type":"message","recipient":"bob","message":"two"}`)

	sb, tb := f.connect(t, "bob")
	req.Empty(tb.ofType(proto.TypeMessage))

	f.send(sb, `{"type":"get_messages","with":"alice"}`)
	conv := tb.last(proto.TypeConversation).(proto.Conversation)
	req.Equal("alice", conv.With)
	req.Len(conv.Messages, 2)
	req.Equal("alice", conv.Messages[0].Sender)
	req.Equal("one", conv.Messages[0].Content)
	req.Equal("two", conv.Messages[1].Content)
}

func TestUnknownAndMalformedFramesAreAcked(t *testing.T) {
	f := newFixture(t, testOptions(), "alice")
	sa, ta := f.connect(t, "alice")

	f.send(sa, `{"type":"dance"}`)
	requireError(t, ta, "dance", proto.ReasonInvalid)

	f.send(sa, `not json`)
	requireError(t, ta, "", proto.ReasonInvalid)

	f.send(sa, `{"type":"friend_response","requester":"bob","response":"maybe"}`)
	requireError(t, ta, proto.TypeFriendResponse, proto.ReasonInvalid)

	require.False(t, ta.isClosed())
}

func TestRateLimitAck(t *testing.T) {
	req := require.New(t)
	opts := testOptions()
	opts.RateLimit = RateLimit{EventsPerSecond: 0.001, Burst: 2}
	f := newFixture(t, opts, "alice")
	sa, ta := f.connect(t, "alice")

	f.send(sa, `{"type":"get_friends"}`)
	f.send(sa, `{"type":"get_friends"}`)
	f.send(sa, `{"type":"get_friends"}`)

	req.Len(ta.ofType(proto.TypeFriendsList), 2)
	requireError(t, ta, proto.TypeGetFriends, proto.ReasonRateLimited)

	// A raised limit applies to the live session
	f.hub.Router().SetRateLimit(RateLimit{EventsPerSecond: 1000, Burst: 1000})
	f.send(sa, `{"type":"get_friends"}`)
	req.Len(ta.ofType(proto.TypeFriendsList), 3)
}

func TestMessageLimitIsAdjustable(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testOptions(), "alice", "bob")
	sa, ta := f.connect(t, "alice")
	_, tb := f.connect(t, "bob")

	long := strings.Repeat("x", 300)
	f.send(sa, `{"type":"message","recipient":"bob","message":"`+long+`"}`)
	requireError(t, ta, proto.TypeMessage, proto.ReasonInvalid)
	req.Empty(tb.ofType(proto.TypeMessage))

	f.hub.Router().SetMaxMessageBytes(512)
	f.send(sa, `{"type":"message","recipient":"bob","message":"`+long+`"}`)
	req.Len(tb.ofType(proto.TypeMessage), 1)

	f.hub.Router().SetMaxMessageBytes(16)
	f.send(sa, `{"type":"message","recipient":"bob","message":"just over sixteen"}`)
	req.Len(tb.ofType(proto.TypeMessage), 1)
	requireError(t, ta, proto.TypeMessage, proto.ReasonInvalid)
}

// gatedStore holds the first SetOffline until release is closed.
type gatedStore struct {
	*storage.DB
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) SetOffline(ctx context.Context, username string) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.DB.SetOffline(ctx, username)
}

func TestReconnectDuringDisconnectStaysOnline(t *testing.T) {
	req := require.New(t)
	base := newFixture(t, testOptions(), "alice")
	store := &gatedStore{DB: base.db, entered: make(chan struct{}), release: make(chan struct{})}
	hub := NewHub(store, presence.New(), testOptions(), nil, &recorder{})
	ctx := context.Background()

	s1 := hub.Connect(ctx, "alice", newFakeTransport())

	disconnected := make(chan struct{})
	go func() {
		hub.Disconnect(s1)
		close(disconnected)
	}()
	<-store.entered

	// alice reconnects while the offline write of her old session is pending
	t2 := newFakeTransport()
	connected := make(chan struct{})
	go func() {
		hub.Connect(ctx, "alice", t2)
		close(connected)
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	<-disconnected
	<-connected

	handle, ok := hub.registry.Lookup("alice")
	req.True(ok)
	req.Same(t2, handle)
	req.True(base.online(t, "alice"), "live identity persisted as offline")

	last, ok := t2.last(proto.TypeUserList).(proto.UserList)
	req.True(ok)
	req.Equal([]string{"alice"}, last.Users)
}

func TestConcurrentReconnectsKeepStoreAndRegistryInStep(t *testing.T) {
	f := newFixture(t, testOptions(), "alice")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := f.hub.Connect(ctx, "alice", newFakeTransport())
			f.hub.Disconnect(s)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.hub.Connect(ctx, "alice", newFakeTransport())
		}()
	}
	wg.Wait()

	_, live := f.hub.registry.Lookup("alice")
	require.Equal(t, live, f.online(t, "alice"))
}

func TestReplacedSessionIsClosedAndStale(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testOptions(), "alice", "bob")
	_, tb := f.connect(t, "bob")

	s1, t1 := f.connect(t, "alice")
	s2, t2 := f.connect(t, "alice")

	// the displaced transport is closed
	req.True(t1.isClosed())
	req.False(t2.isClosed())

	// the old session's disconnect is stale
	broadcasts := len(tb.ofType(proto.TypeUserList))
	f.hub.Disconnect(s1)
	req.True(f.online(t, "alice"))
	req.Len(tb.ofType(proto.TypeUserList), broadcasts)

	handle, ok := f.hub.registry.Lookup("alice")
	req.True(ok)
	req.Same(t2, handle)

	// deliveries go to the new session
	f.hub.Router().deliver("alice", proto.NewFriendRequestReceived("bob"))
	req.Len(t2.ofType(proto.TypeFriendRequestReceived), 1)
	req.Empty(t1.ofType(proto.TypeFriendRequestReceived))

	f.hub.Disconnect(s2)
	req.False(f.online(t, "alice"))
}

func TestServeRunsDisconnectOnTransportError(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, testOptions(), "alice")
	tr := newFakeTransport()

	done := make(chan error, 1)
	go func() { done <- f.hub.Serve(context.Background(), "alice", tr) }()

	tr.in <- []byte(`{"type":"get_friends"}`)
	req.Eventually(func() bool { return len(tr.ofType(proto.TypeFriendsList)) == 1 }, 5*time.Second, 10*time.Millisecond)
	req.True(f.online(t, "alice"))

	_ = tr.Close()
	select {
	case err := <-done:
		req.ErrorIs(err, io.EOF)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
	req.False(f.online(t, "alice"))
	req.Empty(f.hub.Online())
}

func TestServeStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, testOptions(), "alice")
	tr := newFakeTransport()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.hub.Serve(ctx, "alice", tr) }()
	require.Eventually(t, func() bool { return len(f.hub.Online()) == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
	require.True(t, tr.isClosed())
	require.False(t, f.online(t, "alice"))
}

func TestStartResetsPresence(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.UpsertIdentity(ctx, "alice", "", true))

	hub := NewHub(db, presence.New(), testOptions(), nil, nil)
	require.NoError(t, hub.Start(ctx))

	id, err := db.FindIdentity(ctx, "alice")
	require.NoError(t, err)
	require.False(t, id.Online)
}
