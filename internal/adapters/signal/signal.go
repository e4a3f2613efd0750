// Package signal speaks the JSON event protocol over a WebSocket.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/metrics"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

const (
	writeWait         = 10 * time.Second
	defaultPingPeriod = 54 * time.Second
	defaultReadLimit  = 64 * 1024
	defaultSendBuffer = 64
	requestTimeout    = 15 * time.Second
)

type Options struct {
	Origins       []string
	SendBuffer    int
	ReadLimit     int64
	PingPeriod    time.Duration
	MessageLimit  int
	MessageWindow time.Duration
	Metrics       *metrics.Metrics
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	upgrader websocket.Upgrader
	limiter  *RoomRateLimiter
	metrics  *metrics.Metrics

	sendBuffer int
	readLimit  int64
	pingPeriod time.Duration
	pongWait   time.Duration
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	ctl := &SignalWSController{
		Orch:       o,
		metrics:    opts.Metrics,
		sendBuffer: opts.SendBuffer,
		readLimit:  opts.ReadLimit,
		pingPeriod: opts.PingPeriod,
		pongWait:   opts.PingPeriod * 10 / 9,
	}
	if opts.MessageLimit > 0 && opts.MessageWindow > 0 {
		ctl.limiter = NewRoomRateLimiter(opts.MessageLimit, opts.MessageWindow)
	}
	ctl.upgrader = websocket.Upgrader{CheckOrigin: originChecker(opts.Origins)}
	return ctl
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allowed, "*") {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}

// WsSignalConn is one client socket. Everything written to it goes through
// the bounded send queue drained by writePump.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// Notify queues a server event without an ack id.
func (c *WsSignalConn) Notify(ev core.Event) error {
	b, err := json.Marshal(outMessage{Event: ev.Name, Data: ev.Data})
	if err != nil {
		return err
	}
	return c.TrySend(b)
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// HandleSignal upgrades the request and runs the connection until either
// side closes it or ctx ends.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(uuid.NewString())
	logger := log.With().Str("module", "signal").Str("sid", string(sid)).Str("ct", c.GetString("client_token")).Logger()

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	logger.Info().Str("remote", c.ClientIP()).Msg("new WS connection")

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.sendBuffer),
	}
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.OnConnect(sid, conn, cancel)

	go ctl.writePump(ctx, sid, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}
