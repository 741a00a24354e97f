// Package transport adapts a gorilla websocket to the relay's handle and
// inbound-reader contracts.
//
// Each Conn owns one writer goroutine. Send never blocks: events are queued
// on a bounded channel and a full queue closes the connection as a slow
// consumer. The reader side is driven by the caller through Next.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/friendrelay/internal/proto"
)

var log = logging.Logger("transport")

var (
	ErrClosed       = errors.New("transport: closed")
	ErrSlowConsumer = errors.New("transport: slow consumer")
)

type Options struct {
	SendBuffer    int
	WriteWait     time.Duration
	PongWait      time.Duration
	PingInterval  time.Duration
	MaxFrameBytes int64
}

// NewUpgrader returns an upgrader that accepts the given origins. A "*"
// entry, or an empty list, accepts any origin.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	anyOrigin := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if anyOrigin {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients do not send Origin.
				return true
			}
			return slices.ContainsFunc(allowedOrigins, func(o string) bool {
				return strings.EqualFold(o, origin)
			})
		},
	}
}

// Conn is one live websocket connection.
type Conn struct {
	ws   *websocket.Conn
	opts Options
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{} // writer exited

	mu        sync.Mutex
	closeCode int
	closeText string
}

// New wraps ws and starts its writer goroutine.
func New(ws *websocket.Conn, opts Options) *Conn {
	if opts.SendBuffer < 1 {
		opts.SendBuffer = 1
	}
	c := &Conn{
		ws:        ws,
		opts:      opts,
		send:      make(chan []byte, opts.SendBuffer),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}

	if opts.MaxFrameBytes > 0 {
		ws.SetReadLimit(opts.MaxFrameBytes)
	}
	_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	go c.writeLoop()
	return c
}

// Send queues ev for the writer. It returns ErrClosed after Close and
// ErrSlowConsumer (closing the connection) when the queue is full.
func (c *Conn) Send(ev proto.Outbound) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	select {
	case c.send <- b:
		return nil
	case <-c.closed:
		return ErrClosed
	default:
		log.Warnw("send queue full, closing", "remote", c.RemoteAddr(), "type", ev.EventType())
		c.closeWith(websocket.ClosePolicyViolation, "slow consumer")
		return ErrSlowConsumer
	}
}

// Next blocks for the next inbound text frame. Binary frames are skipped.
// Any read failure, including a missed pong, ends the connection.
func (c *Conn) Next() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil, ErrClosed
			default:
			}
			return nil, err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		if mt != websocket.TextMessage {
			log.Debugw("non-text frame ignored", "remote", c.RemoteAddr(), "type", mt)
			continue
		}
		return data, nil
	}
}

// Close stops the writer, sends a close frame and closes the socket.
// It is idempotent.
func (c *Conn) Close() error {
	c.closeWith(websocket.CloseNormalClosure, "")
	return nil
}

// CloseReplaced closes the connection telling the peer a newer session took
// its place.
func (c *Conn) CloseReplaced() {
	c.closeWith(websocket.CloseNormalClosure, "replaced by a new session")
}

// Done is closed once the writer has exited and the socket is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) RemoteAddr() string {
	if addr := c.ws.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Conn) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode, c.closeText = code, text
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case <-c.closed:
			c.mu.Lock()
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			c.mu.Unlock()
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
			return
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Debugw("write failed", "remote", c.RemoteAddr(), "err", err)
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debugw("ping failed", "remote", c.RemoteAddr(), "err", err)
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}
