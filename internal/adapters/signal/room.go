package signal

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
)

type roomPayload struct {
	RoomID string `json:"roomId"`
}

func (ctl *SignalWSController) handleCreateMeet(ctx context.Context, sid core.SessionID, c *WsSignalConn, msg *inMessage) error {
	var p roomPayload
	if err := decode(msg, &p); err != nil {
		return err
	}
	res, err := ctl.Orch.CreateMeet(ctx, sid, p.RoomID)
	if err != nil {
		return err
	}
	ctl.reply(sid, c, msg, msg.Event, res)
	return nil
}

func (ctl *SignalWSController) handleRtpCapabilities(_ context.Context, sid core.SessionID, c *WsSignalConn, msg *inMessage) error {
	var p roomPayload
	if err := decode(msg, &p); err != nil {
		return err
	}
	caps, err := ctl.Orch.RtpCapabilities(p.RoomID)
	if err != nil {
		return err
	}
	ctl.reply(sid, c, msg, core.EventRtpCapabilities, caps)
	return nil
}

// handleJoin answers with the current members, then with the transport
// options, in that order. The options carry no request id.
func (ctl *SignalWSController) handleJoin(ctx context.Context, sid core.SessionID, c *WsSignalConn, msg *inMessage) error {
	var p struct {
		RoomID string `json:"roomId"`
		Name   string `json:"name"`
	}
	if err := decode(msg, &p); err != nil {
		return err
	}
	peers, err := ctl.Orch.JoinMeet(ctx, sid, p.RoomID, p.Name)
	if err != nil {
		return err
	}
	ctl.reply(sid, c, msg, core.EventPeersInRoom, peers)

	// the join is already answered; a failed sync is its own error
	syncMsg := &inMessage{Event: "sync"}
	if err := ctl.sendTransportOptions(ctx, sid, c, syncMsg); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("sync after join")
		ctl.sendError(sid, c, syncMsg, err)
	}
	return nil
}

// handleLeave leaves the current room; the socket stays open.
func (ctl *SignalWSController) handleLeave(_ context.Context, sid core.SessionID, c *WsSignalConn, msg *inMessage) error {
	if err := ctl.Orch.Leave(sid); err != nil {
		return err
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.reply(sid, c, msg, msg.Event, map[string]bool{"left": true})
	return nil
}

func (ctl *SignalWSController) handleMessage(_ context.Context, sid core.SessionID, _ *WsSignalConn, msg *inMessage) error {
	var p struct {
		RoomID string `json:"roomId"`
		Text   string `json:"text"`
	}
	if err := decode(msg, &p); err != nil {
		return err
	}
	if ctl.limiter != nil && !ctl.limiter.Allow(sid) {
		return errRateLimited
	}
	return ctl.Orch.Message(sid, p.Text)
}

func (ctl *SignalWSController) handleStartRecording(ctx context.Context, sid core.SessionID, _ *WsSignalConn, _ *inMessage) error {
	return ctl.Orch.StartRecording(ctx, sid)
}

func (ctl *SignalWSController) handleStopRecording(ctx context.Context, sid core.SessionID, _ *WsSignalConn, _ *inMessage) error {
	return ctl.Orch.StopRecording(ctx, sid)
}
