package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/domain"
)

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
	Recording   bool          `json:"recording"`
	WorkerID    WorkerID      `json:"worker_id"`
	CreatedAt   time.Time     `json:"created_at"`
}

type RoomConfig struct {
	ID        domain.RoomID
	WorkerID  WorkerID
	Router    Router
	Transport TransportOptions
	// OnDropped is called, outside the room lock, for every event a member's
	// outbound queue refused.
	OnDropped func(r *Room, peer domain.PeerID)
}

// Room is a threadsafe in-memory room bound to one router.
// One mutex guards membership, every member's media collections and the
// room flags. Media engine calls are never made while it is held.
type Room struct {
	id        domain.RoomID
	workerID  WorkerID
	router    Router
	transport TransportOptions
	onDropped func(r *Room, peer domain.PeerID)
	createdAt time.Time

	mu         sync.Mutex
	peers      map[domain.PeerID]*Peer
	order      []domain.PeerID
	owner      domain.PeerID
	recording  bool
	recPending bool
	closed     bool
}

func NewRoom(cfg RoomConfig) *Room {
	return &Room{
		id:        cfg.ID,
		workerID:  cfg.WorkerID,
		router:    cfg.Router,
		transport: cfg.Transport,
		onDropped: cfg.OnDropped,
		createdAt: time.Now(),
		peers:     make(map[domain.PeerID]*Peer),
	}
}

func (r *Room) ID() domain.RoomID    { return r.id }
func (r *Room) WorkerID() WorkerID   { return r.workerID }
func (r *Room) CreatedAt() time.Time { return r.createdAt }

func (r *Room) RtpCapabilities() RtpCapabilities {
	return r.router.RtpCapabilities()
}

func (r *Room) Info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomInfo{
		ID:          r.id,
		MemberCount: len(r.peers),
		Recording:   r.recording,
		WorkerID:    r.workerID,
		CreatedAt:   r.createdAt,
	}
}

func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// ClaimOwner records id as the room owner unless one is already set.
func (r *Room) ClaimOwner(id domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owner != "" {
		return false
	}
	r.owner = id
	return true
}

func (r *Room) Owner() domain.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}

func (r *Room) Peer(id domain.PeerID) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	return p, ok
}

// AddPeer registers the member and tells everyone else about it.
func (r *Room) AddPeer(m *domain.Member, n Notifier) (*Peer, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRoomClosed
	}
	if _, ok := r.peers[m.ID]; ok {
		r.mu.Unlock()
		return nil, ErrPeerExists
	}
	p := newPeer(r, m, n)
	r.peers[m.ID] = p
	r.order = append(r.order, m.ID)
	r.mu.Unlock()

	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(m.ID)).Str("name", m.Name).Msg("peer joined")
	r.Broadcast(m.ID, Event{Name: EventNewUserJoined, Data: MemberDTO{ID: m.ID, Name: m.Name}})
	return p, nil
}

// ListOtherMembers returns members in join order, without the caller and
// without service accounts.
func (r *Room) ListOtherMembers(excluding domain.PeerID) []MemberDTO {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MemberDTO, 0, len(r.order))
	for _, id := range r.order {
		p := r.peers[id]
		if id == excluding || p.member.Service {
			continue
		}
		out = append(out, MemberDTO{ID: id, Name: p.member.Name})
	}
	return out
}

type dependentConsumer struct {
	peer     *Peer
	consumer Consumer
}

// RemovePeer closes everything the peer owns and every consumer other
// members had on its producers, then broadcasts user-leave.
// empty reports whether the room has no members left.
func (r *Room) RemovePeer(id domain.PeerID) (empty bool, err error) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if !ok {
		r.mu.Unlock()
		return false, ErrPeerNotFound
	}
	delete(r.peers, id)
	r.removeFromOrderLocked(id)
	own := p.detachLocked()

	var deps []dependentConsumer
	for _, q := range r.peers {
		for cid, c := range q.consumers[id] {
			deps = append(deps, dependentConsumer{peer: q, consumer: c})
			delete(q.consumerIndex, cid)
			delete(q.reserved, c.ProducerID())
		}
		delete(q.consumers, id)
	}
	empty = len(r.peers) == 0
	r.mu.Unlock()

	for _, d := range deps {
		r.closeDependent(d, id)
	}
	own.close()

	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(id)).Bool("empty", empty).Msg("peer left")
	r.Broadcast(id, Event{Name: EventUserLeave, Data: UserLeave{SocketID: id, PeerName: p.member.Name}})
	return empty, nil
}

func (r *Room) closeDependent(d dependentConsumer, origin domain.PeerID) {
	if err := d.consumer.Close(); err != nil {
		log.Warn().Err(err).Str("module", "core.room").Str("consumer", d.consumer.ID()).Msg("close consumer")
	}
	r.emit(d.peer, Event{Name: EventConsumerClosed, Data: ConsumerClosed{
		ConsumerID: d.consumer.ID(),
		ProducerID: d.consumer.ProducerID(),
		SocketID:   origin,
	}})
}

func (r *Room) removeFromOrderLocked(id domain.PeerID) {
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Broadcast delivers ev to every member except from.
func (r *Room) Broadcast(from domain.PeerID, ev Event) PublishResult {
	r.mu.Lock()
	targets := make([]*Peer, 0, len(r.order))
	for _, id := range r.order {
		if id != from {
			targets = append(targets, r.peers[id])
		}
	}
	r.mu.Unlock()

	res := PublishResult{}
	for _, p := range targets {
		if r.emit(p, ev) {
			res.SentTo++
		} else {
			res.Dropped = append(res.Dropped, p.ID())
		}
	}
	log.Debug().Str("module", "core.room").Str("room", string(r.id)).Str("event", ev.Name).Str("from", string(from)).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *Room) emit(p *Peer, ev Event) bool {
	if err := p.notifier.Notify(ev); err != nil {
		log.Warn().Err(err).Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(p.ID())).Str("event", ev.Name).Msg("event dropped")
		if r.onDropped != nil {
			r.onDropped(r, p.ID())
		}
		return false
	}
	return true
}

// BroadcastNewProducer announces prod to every member but its owner.
func (r *Room) BroadcastNewProducer(origin *Peer, prod Producer) PublishResult {
	return r.Broadcast(origin.ID(), r.newProducerEvent(origin, prod.ID()))
}

func (r *Room) newProducerEvent(origin *Peer, producerID string) Event {
	return Event{Name: EventNewProducer, Data: NewProducer{
		Options: ProducerOptions{
			ProducerID:      producerID,
			RtpCapabilities: r.router.RtpCapabilities(),
			Paused:          true,
		},
		SocketID: origin.ID(),
		Username: origin.Name(),
	}}
}

func (r *Room) findProducerLocked(producerID string) (*Peer, Producer) {
	for _, q := range r.peers {
		if prod, ok := q.producers[producerID]; ok {
			return q, prod
		}
	}
	return nil, nil
}

// ConsumeProducer creates a paused consumer of producerID on the peer's
// receive transport and emits new-consumer to it. At most one consumer
// exists per (peer, producer): the pair is reserved before the media call
// and released again if the call fails.
func (r *Room) ConsumeProducer(ctx context.Context, peerID domain.PeerID, producerID string) (Consumer, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRoomClosed
	}
	p, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrPeerNotFound
	}
	owner, _ := r.findProducerLocked(producerID)
	if owner == nil {
		r.mu.Unlock()
		return nil, ErrProducerNotFound
	}
	if owner == p {
		r.mu.Unlock()
		return nil, ErrSelfConsume
	}
	if p.recv.t == nil {
		r.mu.Unlock()
		return nil, ErrTransportNotFound
	}
	switch p.recv.state {
	case transportIdle:
		r.mu.Unlock()
		return nil, ErrTransportIdle
	case transportFailed:
		r.mu.Unlock()
		return nil, ErrTransportFailed
	}
	if _, dup := p.reserved[producerID]; dup {
		r.mu.Unlock()
		return nil, ErrDuplicateConsumer
	}
	p.reserved[producerID] = struct{}{}
	recv := p.recv.t
	ownerID, ownerName := owner.ID(), owner.Name()
	r.mu.Unlock()

	c, err := recv.Consume(ctx, ConsumeParams{ProducerID: producerID, Paused: true})

	r.mu.Lock()
	if err != nil {
		delete(p.reserved, producerID)
		r.mu.Unlock()
		return nil, fmt.Errorf("consume %s: %w", producerID, err)
	}
	if p.closed || owner.closed || owner.producers[producerID] == nil {
		delete(p.reserved, producerID)
		r.mu.Unlock()
		_ = c.Close()
		if p.closed {
			return nil, ErrPeerClosed
		}
		return nil, ErrProducerNotFound
	}
	p.addConsumerLocked(ownerID, c)
	r.mu.Unlock()

	c.OnClose(func() { r.consumerClosed(peerID, c.ID()) })
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(peerID)).Str("producer", producerID).Str("consumer", c.ID()).Msg("consumer created")

	r.emit(p, Event{Name: EventNewConsumer, Data: NewConsumer{
		ID:            c.ID(),
		ProducerID:    producerID,
		Kind:          c.Kind(),
		RtpParameters: c.RtpParameters(),
		SocketID:      ownerID,
		PeerName:      ownerName,
	}})
	return c, nil
}

// DiscoverExistingProducers consumes every producer of the other members
// the peer does not consume yet. It returns how many consumers it created.
// A producer that could not be consumed is reported to the peer with an
// error event and announced to it again, so the client can ask once more.
func (r *Room) DiscoverExistingProducers(ctx context.Context, peerID domain.PeerID) (int, error) {
	type target struct {
		owner      *Peer
		producerID string
	}
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return 0, ErrPeerNotFound
	}
	var targets []target
	for _, id := range r.order {
		if id == peerID {
			continue
		}
		owner := r.peers[id]
		for _, pid := range owner.producerOrder {
			if _, dup := p.reserved[pid]; !dup {
				targets = append(targets, target{owner: owner, producerID: pid})
			}
		}
	}
	r.mu.Unlock()

	created := 0
	var errs []error
	for _, tg := range targets {
		_, err := r.ConsumeProducer(ctx, peerID, tg.producerID)
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrDuplicateConsumer), errors.Is(err, ErrProducerNotFound):
		case errors.Is(err, ErrPeerNotFound), errors.Is(err, ErrPeerClosed), errors.Is(err, ErrRoomClosed):
			return created, err
		default:
			errs = append(errs, err)
			r.emit(p, Event{Name: EventError, Data: ErrorPayload{Event: EventConsumeProducer, Message: err.Error()}})
			r.emit(p, r.newProducerEvent(tg.owner, tg.producerID))
		}
	}
	return created, errors.Join(errs...)
}

// consumerClosed handles a consumer the media engine closed on its own.
func (r *Room) consumerClosed(peerID domain.PeerID, consumerID string) {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	c, origin, ok := p.removeConsumerLocked(consumerID)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.emit(p, Event{Name: EventConsumerClosed, Data: ConsumerClosed{
		ConsumerID: consumerID,
		ProducerID: c.ProducerID(),
		SocketID:   origin,
	}})
}

// producerClosed drops the producer and closes every consumer fed by it.
func (r *Room) producerClosed(ownerID domain.PeerID, producerID string) {
	r.mu.Lock()
	owner, ok := r.peers[ownerID]
	if !ok || owner.producers[producerID] == nil {
		r.mu.Unlock()
		return
	}
	owner.removeProducerLocked(producerID)
	var deps []dependentConsumer
	for _, q := range r.peers {
		for cid, c := range q.consumers[ownerID] {
			if c.ProducerID() != producerID {
				continue
			}
			deps = append(deps, dependentConsumer{peer: q, consumer: c})
			delete(q.consumers[ownerID], cid)
			delete(q.consumerIndex, cid)
			delete(q.reserved, producerID)
		}
	}
	r.mu.Unlock()

	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(ownerID)).Str("producer", producerID).Int("consumers", len(deps)).Msg("producer closed")
	for _, d := range deps {
		r.closeDependent(d, ownerID)
	}
}

// transportClosed marks a transport the media engine closed as failed. The
// peer is told unless a Connect call in flight already reports it.
func (r *Room) transportClosed(peerID domain.PeerID, t Transport) {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	var dir Direction
	notify := false
	for _, d := range []Direction{DirSend, DirRecv} {
		slot := p.slotLocked(d)
		if slot.t != t || slot.state == transportFailed {
			continue
		}
		dir = d
		notify = slot.state != transportConnecting
		slot.state = transportFailed
	}
	r.mu.Unlock()
	if dir == "" {
		return
	}

	log.Warn().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(peerID)).Str("transport", t.ID()).Str("dir", string(dir)).Msg("transport closed by engine")
	if notify {
		r.emit(p, Event{Name: EventError, Data: ErrorPayload{
			Event:   EventTransportConnect,
			Message: fmt.Sprintf("%s transport: %v", dir, ErrTransportFailed),
		}})
	}
}

// BeginRecordingChange reserves the right to toggle recording. The flag
// itself only changes in EndRecordingChange once the recorder confirmed.
func (r *Room) BeginRecordingChange(start bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.closed:
		return ErrRoomClosed
	case r.recPending:
		return ErrRecordingBusy
	case start && r.recording:
		return ErrAlreadyRecording
	case !start && !r.recording:
		return ErrNotRecording
	}
	r.recPending = true
	return nil
}

func (r *Room) EndRecordingChange(start, confirmed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recPending = false
	if confirmed {
		r.recording = start
	}
}

func (r *Room) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// CloseIfEmpty tears the room down when nobody is in it. It reports
// whether this call closed the room.
func (r *Room) CloseIfEmpty() bool {
	r.mu.Lock()
	if r.closed || len(r.peers) > 0 {
		r.mu.Unlock()
		return false
	}
	r.closed = true
	r.mu.Unlock()
	r.closeRouter()
	return true
}

// Shutdown closes the room with members still inside: their media is
// released and each of them receives ev. Returns the evicted peer ids.
func (r *Room) Shutdown(ev Event) []domain.PeerID {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	peers := make([]*Peer, 0, len(r.order))
	media := make([]peerMedia, 0, len(r.order))
	for _, id := range r.order {
		p := r.peers[id]
		peers = append(peers, p)
		media = append(media, p.detachLocked())
	}
	r.peers = make(map[domain.PeerID]*Peer)
	r.order = nil
	r.mu.Unlock()

	ids := make([]domain.PeerID, 0, len(peers))
	for i, p := range peers {
		media[i].close()
		r.emit(p, ev)
		ids = append(ids, p.ID())
	}
	r.closeRouter()
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("event", ev.Name).Int("evicted", len(ids)).Msg("room shut down")
	return ids
}

func (r *Room) closeRouter() {
	if err := r.router.Close(); err != nil {
		log.Warn().Err(err).Str("module", "core.room").Str("room", string(r.id)).Msg("close router")
	}
}
