package coretest

import (
	"errors"
	"sync"

	"github.com/dkeye/Meet/internal/core"
)

var ErrQueueFull = errors.New("queue full")

// Notifier records every event it is given.
type Notifier struct {
	mu     sync.Mutex
	events []core.Event
	full   bool
}

func (n *Notifier) Notify(ev core.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.full {
		return ErrQueueFull
	}
	n.events = append(n.events, ev)
	return nil
}

// SetFull makes every following Notify fail.
func (n *Notifier) SetFull(full bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.full = full
}

func (n *Notifier) Events() []core.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]core.Event(nil), n.events...)
}

// Named returns the payloads of events called name, in delivery order.
func (n *Notifier) Named(name string) []any {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []any
	for _, ev := range n.events {
		if ev.Name == name {
			out = append(out, ev.Data)
		}
	}
	return out
}

func (n *Notifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = nil
}
