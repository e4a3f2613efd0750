package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
)

// inMessage is a client request. ID, when present, is echoed on the reply.
type inMessage struct {
	Event string          `json:"event"`
	ID    *int64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outMessage struct {
	Event string `json:"event"`
	ID    *int64 `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

var (
	errBadPayload  = errors.New("bad payload")
	errRateLimited = errors.New("rate limited")
)

type handlerFunc func(ctx context.Context, sid core.SessionID, c *WsSignalConn, msg *inMessage) error

func (ctl *SignalWSController) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"createMeet":           ctl.handleCreateMeet,
		"get-rtp-capabilities": ctl.handleRtpCapabilities,
		"joinMeet":             ctl.handleJoin,
		"leaveMeet":            ctl.handleLeave,
		"sync":                 ctl.handleSync,
		"transport-connect":    ctl.handleTransportConnect,
		"transport-produce":    ctl.handleProduce,
		"consume-producer":     ctl.handleConsume,
		"consumer-done":        ctl.handleConsumerDone,
		"message":              ctl.handleMessage,
		"start-recording":      ctl.handleStartRecording,
		"stop-recording":       ctl.handleStopRecording,
		"ping":                 ctl.handlePing,
	}
}

func (ctl *SignalWSController) writePump(ctx context.Context, sid core.SessionID, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		ctl.Orch.OnDisconnect(sid)
		if ctl.limiter != nil {
			ctl.limiter.Forget(sid)
		}
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait))
	})

	handlers := ctl.handlers()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait))
		ctl.handleSignal(ctx, handlers, sid, c, data)
		if ctx.Err() != nil {
			return
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, handlers map[string]handlerFunc, sid core.SessionID, c *WsSignalConn, data []byte) {
	var msg inMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad json")
		ctl.sendError(sid, c, &inMessage{}, errBadPayload)
		return
	}
	ctl.metrics.SignalMessage(msg.Event)

	h, ok := handlers[msg.Event]
	if !ok {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("event", msg.Event).Msg("unknown signal")
		ctl.sendError(sid, c, &msg, errors.New("unknown event"))
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if err := h(reqCtx, sid, c, &msg); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("event", msg.Event).Msg("request failed")
		ctl.sendError(sid, c, &msg, err)
	}
}

func decode(msg *inMessage, v any) error {
	if len(msg.Data) == 0 {
		return errBadPayload
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return errors.Join(errBadPayload, err)
	}
	return nil
}

// reply answers msg, reusing its id when it has one.
func (ctl *SignalWSController) reply(sid core.SessionID, c *WsSignalConn, msg *inMessage, event string, data any) {
	ctl.sendJSON(sid, c, outMessage{Event: event, ID: msg.ID, Data: data})
}

func (ctl *SignalWSController) sendError(sid core.SessionID, c *WsSignalConn, msg *inMessage, err error) {
	ctl.reply(sid, c, msg, core.EventError, core.ErrorPayload{Event: msg.Event, Message: err.Error()})
}

func (ctl *SignalWSController) sendJSON(sid core.SessionID, c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("sendJSON")
		if errors.Is(err, ErrBackpressure) {
			ctl.Orch.Kick(sid)
		}
	}
}
