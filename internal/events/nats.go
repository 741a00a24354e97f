package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS publishes events as JSON on "<prefix>.<kind>" using core NATS
// (no JetStream, at-most-once).
type NATS struct {
	nc     *nats.Conn
	prefix string
}

// ConnectNATS dials url. The connection keeps retrying in the background, so
// a broker that is down at startup does not stop the relay; publishes made
// while disconnected go to the client's reconnect buffer.
func ConnectNATS(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("friendrelay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infow("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}, nil
}

// Subject returns the subject an event kind is published on.
func (n *NATS) Subject(kind string) string {
	return n.prefix + "." + kind
}

func (n *NATS) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Errorw("encode activity event", "kind", ev.Kind, "err", err)
		return
	}
	if err := n.nc.Publish(n.Subject(ev.Kind), data); err != nil {
		log.Debugw("nats publish failed", "kind", ev.Kind, "err", err)
	}
}

// Close flushes pending publishes and closes the connection.
func (n *NATS) Close() error {
	if n.nc.IsConnected() {
		if err := n.nc.Drain(); err != nil {
			n.nc.Close()
			return err
		}
		return nil
	}
	n.nc.Close()
	return nil
}
