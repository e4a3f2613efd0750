package core

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/domain"
)

type PeerState int

const (
	PeerJoined PeerState = iota
	PeerAwaitingTransports
	PeerReady
	PeerProducing
	PeerConsuming
	PeerDisconnected
)

func (s PeerState) String() string {
	switch s {
	case PeerJoined:
		return "joined"
	case PeerAwaitingTransports:
		return "awaiting_transports"
	case PeerReady:
		return "ready"
	case PeerProducing:
		return "producing"
	case PeerConsuming:
		return "consuming"
	case PeerDisconnected:
		return "disconnected"
	}
	return "unknown"
}

type Direction string

const (
	DirSend Direction = "send"
	DirRecv Direction = "recv"
)

type transportState int

const (
	transportIdle transportState = iota
	transportConnecting
	transportConnected
	transportFailed
)

type transportSlot struct {
	t     Transport
	state transportState
}

// Peer is one member's negotiation state. Every mutable field is guarded
// by the owning room's mutex.
type Peer struct {
	room     *Room
	member   *domain.Member
	notifier Notifier

	syncing       chan struct{}
	send, recv    transportSlot
	producers     map[string]Producer
	producerOrder []string
	// consumers by remote peer id, then consumer id
	consumers     map[domain.PeerID]map[string]Consumer
	consumerIndex map[string]domain.PeerID
	// producer ids this peer consumes or is about to consume
	reserved      map[string]struct{}
	closed        bool
}

func newPeer(r *Room, m *domain.Member, n Notifier) *Peer {
	return &Peer{
		room:          r,
		member:        m,
		notifier:      n,
		producers:     make(map[string]Producer),
		consumers:     make(map[domain.PeerID]map[string]Consumer),
		consumerIndex: make(map[string]domain.PeerID),
		reserved:      make(map[string]struct{}),
	}
}

func (p *Peer) ID() domain.PeerID { return p.member.ID }
func (p *Peer) Name() string      { return p.member.Name }
func (p *Peer) Room() *Room       { return p.room }

func (p *Peer) State() PeerState {
	p.room.mu.Lock()
	defer p.room.mu.Unlock()
	switch {
	case p.closed:
		return PeerDisconnected
	case len(p.producers) > 0:
		return PeerProducing
	case len(p.consumerIndex) > 0:
		return PeerConsuming
	case p.send.t != nil && p.recv.t != nil:
		return PeerReady
	case p.syncing != nil:
		return PeerAwaitingTransports
	}
	return PeerJoined
}

func (p *Peer) ProducerIDs() []string {
	p.room.mu.Lock()
	defer p.room.mu.Unlock()
	return append([]string(nil), p.producerOrder...)
}

// ConsumerFor returns the consumer this peer holds on producerID.
func (p *Peer) ConsumerFor(producerID string) (Consumer, bool) {
	p.room.mu.Lock()
	defer p.room.mu.Unlock()
	for _, byID := range p.consumers {
		for _, c := range byID {
			if c.ProducerID() == producerID {
				return c, true
			}
		}
	}
	return nil, false
}

func (p *Peer) ConsumerCount() int {
	p.room.mu.Lock()
	defer p.room.mu.Unlock()
	return len(p.consumerIndex)
}

// Sync creates the send and receive transports on first call and returns
// their client parameters. Later and concurrent calls get the same pair.
func (p *Peer) Sync(ctx context.Context) (TransportPair, error) {
	r := p.room
	for {
		r.mu.Lock()
		if p.closed {
			r.mu.Unlock()
			return TransportPair{}, ErrPeerClosed
		}
		if p.send.t != nil && p.recv.t != nil {
			pair := TransportPair{Send: p.send.t.Params(), Recv: p.recv.t.Params()}
			r.mu.Unlock()
			return pair, nil
		}
		wait := p.syncing
		if wait == nil {
			p.syncing = make(chan struct{})
			r.mu.Unlock()
			break
		}
		r.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return TransportPair{}, ctx.Err()
		}
	}

	send, recv, err := p.createTransports(ctx)

	r.mu.Lock()
	done := p.syncing
	p.syncing = nil
	if err == nil && p.closed {
		err = ErrPeerClosed
	}
	var pair TransportPair
	if err == nil {
		p.send = transportSlot{t: send}
		p.recv = transportSlot{t: recv}
		pair = TransportPair{Send: send.Params(), Recv: recv.Params()}
	}
	r.mu.Unlock()
	close(done)

	if err != nil {
		closeQuietly(send, recv)
		return TransportPair{}, err
	}
	id := p.ID()
	send.OnClose(func() { r.transportClosed(id, send) })
	recv.OnClose(func() { r.transportClosed(id, recv) })
	log.Info().Str("module", "core.peer").Str("room", string(r.id)).Str("peer", string(id)).Str("send", send.ID()).Str("recv", recv.ID()).Msg("transports created")
	return pair, nil
}

func (p *Peer) createTransports(ctx context.Context) (Transport, Transport, error) {
	send, err := p.room.router.CreateWebRtcTransport(ctx, p.room.transport)
	if err != nil {
		return nil, nil, fmt.Errorf("create send transport: %w", err)
	}
	recv, err := p.room.router.CreateWebRtcTransport(ctx, p.room.transport)
	if err != nil {
		closeQuietly(send)
		return nil, nil, fmt.Errorf("create recv transport: %w", err)
	}
	return send, recv, nil
}

func closeQuietly(ts ...Transport) {
	for _, t := range ts {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			log.Debug().Err(err).Str("module", "core.peer").Str("transport", t.ID()).Msg("close transport")
		}
	}
}

func (p *Peer) slotLocked(dir Direction) *transportSlot {
	switch dir {
	case DirSend:
		return &p.send
	case DirRecv:
		return &p.recv
	}
	return nil
}

// Connect completes the handshake of one transport. A failed handshake
// leaves that transport unusable; the peer stays in the room.
func (p *Peer) Connect(ctx context.Context, dir Direction, params TransportConnectParams) error {
	r := p.room
	r.mu.Lock()
	if p.closed {
		r.mu.Unlock()
		return ErrPeerClosed
	}
	slot := p.slotLocked(dir)
	switch {
	case slot == nil:
		r.mu.Unlock()
		return ErrInvalidDirection
	case slot.t == nil:
		r.mu.Unlock()
		return ErrTransportNotFound
	case slot.state == transportFailed:
		r.mu.Unlock()
		return ErrTransportFailed
	case slot.state != transportIdle:
		r.mu.Unlock()
		return ErrTransportConnected
	}
	slot.state = transportConnecting
	t := slot.t
	r.mu.Unlock()

	err := t.Connect(ctx, params)

	r.mu.Lock()
	if slot.t == t && slot.state == transportConnecting {
		if err != nil {
			slot.state = transportFailed
		} else {
			slot.state = transportConnected
		}
	}
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("connect %s transport: %w", dir, err)
	}
	log.Info().Str("module", "core.peer").Str("room", string(r.id)).Str("peer", string(p.ID())).Str("dir", string(dir)).Msg("transport connected")
	return nil
}

// Produce creates a producer on the send transport. The transport must
// have been connected first.
func (p *Peer) Produce(ctx context.Context, params ProduceParams) (Producer, error) {
	r := p.room
	r.mu.Lock()
	if p.closed {
		r.mu.Unlock()
		return nil, ErrPeerClosed
	}
	if p.send.t == nil {
		r.mu.Unlock()
		return nil, ErrTransportNotFound
	}
	switch p.send.state {
	case transportIdle:
		r.mu.Unlock()
		return nil, ErrTransportIdle
	case transportFailed:
		r.mu.Unlock()
		return nil, ErrTransportFailed
	}
	t := p.send.t
	r.mu.Unlock()

	prod, err := t.Produce(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("produce %s: %w", params.Kind, err)
	}

	r.mu.Lock()
	if p.closed {
		r.mu.Unlock()
		_ = prod.Close()
		return nil, ErrPeerClosed
	}
	p.producers[prod.ID()] = prod
	p.producerOrder = append(p.producerOrder, prod.ID())
	r.mu.Unlock()

	id := p.ID()
	prod.OnClose(func() { r.producerClosed(id, prod.ID()) })
	log.Info().Str("module", "core.peer").Str("room", string(r.id)).Str("peer", string(id)).Str("producer", prod.ID()).Str("kind", string(prod.Kind())).Msg("producer created")
	return prod, nil
}

// Resume starts media flow on exactly the named consumer.
func (p *Peer) Resume(ctx context.Context, consumerID string) error {
	r := p.room
	r.mu.Lock()
	remote, ok := p.consumerIndex[consumerID]
	if !ok {
		r.mu.Unlock()
		return ErrConsumerNotFound
	}
	c := p.consumers[remote][consumerID]
	r.mu.Unlock()

	if err := c.Resume(ctx); err != nil {
		return fmt.Errorf("resume %s: %w", consumerID, err)
	}
	log.Debug().Str("module", "core.peer").Str("peer", string(p.ID())).Str("consumer", consumerID).Msg("consumer resumed")
	return nil
}

func (p *Peer) addConsumerLocked(remote domain.PeerID, c Consumer) {
	byID, ok := p.consumers[remote]
	if !ok {
		byID = make(map[string]Consumer)
		p.consumers[remote] = byID
	}
	byID[c.ID()] = c
	p.consumerIndex[c.ID()] = remote
}

func (p *Peer) removeConsumerLocked(consumerID string) (Consumer, domain.PeerID, bool) {
	remote, ok := p.consumerIndex[consumerID]
	if !ok {
		return nil, "", false
	}
	c := p.consumers[remote][consumerID]
	delete(p.consumers[remote], consumerID)
	if len(p.consumers[remote]) == 0 {
		delete(p.consumers, remote)
	}
	delete(p.consumerIndex, consumerID)
	delete(p.reserved, c.ProducerID())
	return c, remote, true
}

func (p *Peer) removeProducerLocked(producerID string) {
	delete(p.producers, producerID)
	for i, id := range p.producerOrder {
		if id == producerID {
			p.producerOrder = append(p.producerOrder[:i], p.producerOrder[i+1:]...)
			break
		}
	}
}

// peerMedia is everything a departing peer owned, closed outside the lock.
type peerMedia struct {
	consumers  []Consumer
	producers  []Producer
	transports []Transport
}

func (p *Peer) detachLocked() peerMedia {
	var m peerMedia
	p.closed = true
	for _, byID := range p.consumers {
		for _, c := range byID {
			m.consumers = append(m.consumers, c)
		}
	}
	for _, id := range p.producerOrder {
		m.producers = append(m.producers, p.producers[id])
	}
	for _, t := range []Transport{p.send.t, p.recv.t} {
		if t != nil {
			m.transports = append(m.transports, t)
		}
	}
	p.consumers = make(map[domain.PeerID]map[string]Consumer)
	p.consumerIndex = make(map[string]domain.PeerID)
	p.reserved = make(map[string]struct{})
	p.producers = make(map[string]Producer)
	p.producerOrder = nil
	p.send, p.recv = transportSlot{}, transportSlot{}
	return m
}

func (m peerMedia) close() {
	for _, c := range m.consumers {
		if err := c.Close(); err != nil {
			log.Debug().Err(err).Str("module", "core.peer").Str("consumer", c.ID()).Msg("close consumer")
		}
	}
	for _, prod := range m.producers {
		if err := prod.Close(); err != nil {
			log.Debug().Err(err).Str("module", "core.peer").Str("producer", prod.ID()).Msg("close producer")
		}
	}
	closeQuietly(m.transports...)
}
