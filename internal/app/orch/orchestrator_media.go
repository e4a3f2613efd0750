package orch

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

type ProduceResult struct {
	ID     string        `json:"id"`
	PeerID domain.PeerID `json:"peerId"`
}

// Sync returns the session's transport pair, creating it on first call.
func (o *Orchestrator) Sync(ctx context.Context, sid core.SessionID) (core.TransportPair, error) {
	_, p, err := o.peerOf(sid)
	if err != nil {
		return core.TransportPair{}, err
	}
	return p.Sync(ctx)
}

// ConnectTransport completes one transport's handshake. A connected
// receive transport starts consuming everything already produced; the room
// reports each producer it could not consume to the client and announces
// it again, so the connect itself still succeeds.
func (o *Orchestrator) ConnectTransport(ctx context.Context, sid core.SessionID, dir core.Direction, params core.TransportConnectParams) error {
	room, p, err := o.peerOf(sid)
	if err != nil {
		return err
	}
	if err := p.Connect(ctx, dir, params); err != nil {
		return err
	}
	if dir != core.DirRecv {
		return nil
	}
	n, err := room.DiscoverExistingProducers(ctx, p.ID())
	for i := 0; i < n; i++ {
		o.Metrics.ConsumerCreated()
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Int("created", n).Msg("discover producers")
	}
	return nil
}

// Produce creates a producer and announces it to the rest of the room.
func (o *Orchestrator) Produce(ctx context.Context, sid core.SessionID, params core.ProduceParams) (ProduceResult, error) {
	if !params.Kind.Valid() {
		return ProduceResult{}, core.ErrInvalidKind
	}
	room, p, err := o.peerOf(sid)
	if err != nil {
		return ProduceResult{}, err
	}
	prod, err := p.Produce(ctx, params)
	if err != nil {
		return ProduceResult{}, err
	}
	o.Metrics.ProducerCreated()
	room.BroadcastNewProducer(p, prod)
	return ProduceResult{ID: prod.ID(), PeerID: p.ID()}, nil
}

// ConsumeProducer creates the session's consumer for producerID. Asking
// twice for the same producer is not an error.
func (o *Orchestrator) ConsumeProducer(ctx context.Context, sid core.SessionID, producerID string) error {
	room, p, err := o.peerOf(sid)
	if err != nil {
		return err
	}
	_, err = room.ConsumeProducer(ctx, p.ID(), producerID)
	switch {
	case err == nil:
		o.Metrics.ConsumerCreated()
		return nil
	case errors.Is(err, core.ErrDuplicateConsumer):
		log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("producer", producerID).Msg("consumer already exists")
		return nil
	}
	return err
}

// ConsumerDone resumes the one consumer the client finished setting up.
func (o *Orchestrator) ConsumerDone(ctx context.Context, sid core.SessionID, consumerID string) error {
	_, p, err := o.peerOf(sid)
	if err != nil {
		return err
	}
	return p.Resume(ctx, consumerID)
}
