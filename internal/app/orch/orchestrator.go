// Package orch turns signaling requests into room and peer operations.
package orch

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
)

// Orchestrator methods for one session are called from that session's read
// pump only, so they never race with each other. Calls for different
// sessions run concurrently.
type Orchestrator struct {
	Registry     *app.Registry
	Rooms        *app.RoomManager
	Pool         *app.WorkerPool
	Policy       app.Policy
	Recorder     core.Recorder
	Metrics      *metrics.Metrics
	ServiceNames map[string]struct{}
}

// joinAttempts bounds retries when a join races with the room closing.
const joinAttempts = 3

func (o *Orchestrator) peerOf(sid core.SessionID) (*core.Room, *core.Peer, error) {
	roomID, ok := o.Registry.RoomOf(sid)
	if !ok {
		return nil, nil, core.ErrNotJoined
	}
	room, ok := o.Rooms.Lookup(roomID)
	if !ok {
		return nil, nil, core.ErrRoomNotFound
	}
	p, ok := room.Peer(domain.PeerID(sid))
	if !ok {
		return nil, nil, core.ErrPeerNotFound
	}
	return room, p, nil
}

// OnConnect registers a fresh signaling session.
func (o *Orchestrator) OnConnect(sid core.SessionID, n core.Notifier, cancel func()) {
	o.Registry.BindSignal(sid, n, cancel)
	o.Metrics.SignalConnected()
}

// OnDisconnect leaves the session's room and forgets the session.
func (o *Orchestrator) OnDisconnect(sid core.SessionID) {
	if err := o.Leave(sid); err != nil && !errors.Is(err, core.ErrNotJoined) {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("leave on disconnect")
	}
	o.Registry.Unbind(sid)
	o.Metrics.SignalDisconnected()
}

// OnDropped is the rooms' backpressure hook.
func (o *Orchestrator) OnDropped(room *core.Room, peer domain.PeerID) {
	o.Metrics.EventDropped()
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(room, peer) {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("room", string(room.ID())).Str("peer", string(peer)).Msg("kicking slow member")
		o.Kick(core.SessionID(peer))
	case app.MarkSlow, app.DropFrame, app.NoAction:
	}
}

// Kick closes the session's socket. Leaving the room follows from the
// read pump exiting.
func (o *Orchestrator) Kick(sid core.SessionID) {
	o.Registry.Cancel(sid)
}

// OnWorkerDied shuts down every room the worker hosted. Members get a
// reconnect event and are detached from the room; their sockets stay open.
func (o *Orchestrator) OnWorkerDied(id core.WorkerID) {
	o.Metrics.WorkerDied()
	o.Metrics.SetWorkersAlive(o.Pool.Alive())
	rooms := o.Rooms.EvictWorker(id)
	log.Error().Str("module", "orch").Str("worker", string(id)).Int("rooms", len(rooms)).Msg("evicting rooms of dead worker")

	var wg conc.WaitGroup
	for _, room := range rooms {
		wg.Go(func() {
			ev := core.Event{Name: core.EventReconnect, Data: core.Reconnect{RoomID: room.ID(), Reason: "media worker died"}}
			o.detach(room.Shutdown(ev))
		})
	}
	wg.Wait()
}

// Shutdown closes every room, telling members to reconnect later.
func (o *Orchestrator) Shutdown() {
	o.detach(o.Rooms.Close(core.Event{Name: core.EventReconnect, Data: core.Reconnect{Reason: "server shutting down"}}))
}

func (o *Orchestrator) detach(peers []domain.PeerID) {
	for _, id := range peers {
		if _, ok := o.Registry.RemoveRoom(core.SessionID(id)); ok {
			o.Metrics.PeerLeft()
		}
	}
}
