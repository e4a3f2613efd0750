package signal

import (
	"context"

	"github.com/dkeye/Meet/internal/core"
)

func (ctl *SignalWSController) handleSync(ctx context.Context, sid core.SessionID, c *WsSignalConn, msg *inMessage) error {
	return ctl.sendTransportOptions(ctx, sid, c, msg)
}

func (ctl *SignalWSController) sendTransportOptions(ctx context.Context, sid core.SessionID, c *WsSignalConn, msg *inMessage) error {
	pair, err := ctl.Orch.Sync(ctx, sid)
	if err != nil {
		return err
	}
	ctl.reply(sid, c, msg, core.EventTransportOptions, pair)
	return nil
}

func (ctl *SignalWSController) handleTransportConnect(ctx context.Context, sid core.SessionID, c *WsSignalConn, msg *inMessage) error {
	var p struct {
		Type core.Direction `json:"type"`
		core.TransportConnectParams
	}
	if err := decode(msg, &p); err != nil {
		return err
	}
	if err := ctl.Orch.ConnectTransport(ctx, sid, p.Type, p.TransportConnectParams); err != nil {
		return err
	}
	ctl.reply(sid, c, msg, msg.Event, map[string]bool{"connected": true})
	return nil
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, sid core.SessionID, c *WsSignalConn, msg *inMessage) error {
	var p core.ProduceParams
	if err := decode(msg, &p); err != nil {
		return err
	}
	res, err := ctl.Orch.Produce(ctx, sid, p)
	if err != nil {
		return err
	}
	ctl.reply(sid, c, msg, msg.Event, res)
	return nil
}

// handleConsume answers through the new-consumer event the room emits.
func (ctl *SignalWSController) handleConsume(ctx context.Context, sid core.SessionID, _ *WsSignalConn, msg *inMessage) error {
	var p struct {
		Options struct {
			ProducerID string `json:"producerId"`
		} `json:"options"`
		SocketID string `json:"socketId"`
		Username string `json:"username"`
	}
	if err := decode(msg, &p); err != nil {
		return err
	}
	if p.Options.ProducerID == "" {
		return errBadPayload
	}
	return ctl.Orch.ConsumeProducer(ctx, sid, p.Options.ProducerID)
}

func (ctl *SignalWSController) handleConsumerDone(ctx context.Context, sid core.SessionID, _ *WsSignalConn, msg *inMessage) error {
	var p struct {
		ConsumerID string `json:"consumerId"`
	}
	if err := decode(msg, &p); err != nil {
		return err
	}
	if p.ConsumerID == "" {
		return errBadPayload
	}
	return ctl.Orch.ConsumerDone(ctx, sid, p.ConsumerID)
}
