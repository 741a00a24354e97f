package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/friendrelay/internal/events"
)

const defaultMaxLogs = 500

// Activity keeps the most recent relay events as short lines for the admin
// view. It is an events.Publisher.
type Activity struct {
	mu      sync.Mutex
	logs    []string
	maxLogs int
}

func NewActivity(maxLogs int) *Activity {
	if maxLogs <= 0 {
		maxLogs = defaultMaxLogs
	}
	return &Activity{maxLogs: maxLogs}
}

func (a *Activity) Publish(ev events.Event) {
	line := fmt.Sprintf("[%s] %s %s", ev.At.Format(time.TimeOnly), ev.Kind, ev.Actor)
	if ev.Other != "" {
		line += " -> " + ev.Other
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, line)
	if len(a.logs) > a.maxLogs {
		a.logs = a.logs[len(a.logs)-a.maxLogs:]
	}
}

// Snapshot returns the buffered lines, oldest first.
func (a *Activity) Snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.logs))
	copy(out, a.logs)
	return out
}
