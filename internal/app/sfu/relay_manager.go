// Package sfu forwards producer RTP to consumers.
package sfu

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// RelayManager owns one Relay per producer of a router.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[string]*Relay),
	}
}

// StartRelay creates a new Relay for the producer and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, producerID string, src RTPReader) *Relay {
	logger := log.With().
		Str("module", "relay").
		Str("producer", producerID).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, cancel)

	m.mu.Lock()
	if old, ok := m.relays[producerID]; ok {
		logger.Info().Msg("replacing existing relay for producer")
		old.markAllDelete()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[producerID] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
	return relay
}

// AddSubscriber attaches an OutTrack for consumerID to the producer's relay.
func (m *RelayManager) AddSubscriber(producerID, consumerID string, ot *OutTrack) bool {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(consumerID, ot)
	return true
}

// Resume unmutes the consumer's OutTrack.
func (m *RelayManager) Resume(producerID, consumerID string) bool {
	ot, ok := m.outTrack(producerID, consumerID)
	if !ok {
		return false
	}
	return ot.MarkOk()
}

// MarkSubscriberDelete marks consumer's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(producerID, consumerID string) {
	if ot, ok := m.outTrack(producerID, consumerID); ok {
		ot.MarkDelete()
	}
}

func (m *RelayManager) outTrack(producerID, consumerID string) (*OutTrack, bool) {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return relay.outTrack(consumerID)
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(producerID string) {
	m.mu.Lock()
	relay, ok := m.relays[producerID]
	if ok {
		delete(m.relays, producerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	if relay.cancel != nil {
		relay.cancel()
	}
}

// StopAll stops every relay.
func (m *RelayManager) StopAll() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[string]*Relay)
	m.mu.Unlock()
	for _, r := range relays {
		r.markAllDelete()
		if r.cancel != nil {
			r.cancel()
		}
	}
}

// HasRelay reports whether a relay exists for producerID.
func (m *RelayManager) HasRelay(producerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[producerID]
	return ok
}
