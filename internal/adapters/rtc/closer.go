package rtc

import (
	"errors"
	"sync"
)

var (
	ErrWorkerClosed     = errors.New("media worker closed")
	ErrRouterClosed     = errors.New("router closed")
	ErrTransportClosed  = errors.New("transport closed")
	ErrIceParameters    = errors.New("ice parameters required")
	ErrNoEncoding       = errors.New("rtp parameters need an encoding with ssrc")
	ErrNoCodec          = errors.New("rtp parameters need a codec")
	ErrUnsupportedCodec = errors.New("codec not supported by router")
	ErrCannotConsume    = errors.New("consumer capabilities do not match producer codec")
)

// closer runs OnClose callbacks exactly once.
type closer struct {
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	onClose []func()
}

func newCloser() closer {
	return closer{done: make(chan struct{})}
}

func (c *closer) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// markClosed returns false if already closed. Callbacks run outside the lock.
func (c *closer) markClosed() (bool, []func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, nil
	}
	c.closed = true
	close(c.done)
	fns := c.onClose
	c.onClose = nil
	return true, fns
}

func (c *closer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
