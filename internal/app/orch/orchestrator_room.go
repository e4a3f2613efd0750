package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

type CreateResult struct {
	RoomID  domain.RoomID `json:"roomId"`
	Created bool          `json:"created"`
}

// CreateMeet makes sure the room exists. The first session to create it
// becomes its owner.
func (o *Orchestrator) CreateMeet(ctx context.Context, sid core.SessionID, rawID string) (CreateResult, error) {
	id, err := domain.ParseRoomID(rawID)
	if err != nil {
		return CreateResult{}, err
	}
	room, created, err := o.Rooms.GetOrCreate(ctx, id)
	if err != nil {
		return CreateResult{}, fmt.Errorf("create room %s: %w", id, err)
	}
	room.ClaimOwner(domain.PeerID(sid))
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(id)).Bool("created", created).Msg("createMeet")
	return CreateResult{RoomID: id, Created: created}, nil
}

func (o *Orchestrator) RtpCapabilities(rawID string) (core.RtpCapabilities, error) {
	id, err := domain.ParseRoomID(rawID)
	if err != nil {
		return core.RtpCapabilities{}, err
	}
	room, ok := o.Rooms.Lookup(id)
	if !ok {
		return core.RtpCapabilities{}, core.ErrRoomNotFound
	}
	return room.RtpCapabilities(), nil
}

// JoinMeet adds the session to the room, creating the room if needed, and
// returns the members already inside.
func (o *Orchestrator) JoinMeet(ctx context.Context, sid core.SessionID, rawID, name string) ([]core.MemberDTO, error) {
	id, err := domain.ParseRoomID(rawID)
	if err != nil {
		return nil, err
	}
	if _, ok := o.Registry.RoomOf(sid); ok {
		return nil, core.ErrAlreadyJoined
	}
	n, ok := o.Registry.Notifier(sid)
	if !ok {
		return nil, core.ErrPeerNotFound
	}
	member, err := domain.NewMember(domain.PeerID(sid), name, o.ServiceNames)
	if err != nil {
		return nil, err
	}

	var room *core.Room
	for attempt := 1; ; attempt++ {
		room, _, err = o.Rooms.GetOrCreate(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("join room %s: %w", id, err)
		}
		// Registry first so a concurrent OnDropped kick finds the binding.
		if !o.Registry.BindRoom(sid, id) {
			return nil, core.ErrAlreadyJoined
		}
		_, err = room.AddPeer(member, n)
		if err == nil {
			break
		}
		o.Registry.RemoveRoom(sid)
		if !app.IsRetryable(err) || attempt == joinAttempts {
			return nil, fmt.Errorf("join room %s: %w", id, err)
		}
		log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("room", string(id)).Int("attempt", attempt).Msg("room closed during join, retrying")
	}
	room.ClaimOwner(member.ID)
	o.Metrics.PeerJoined()

	peers := room.ListOtherMembers(member.ID)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(id)).Str("name", member.Name).Int("peers", len(peers)).Msg("joinMeet")
	return peers, nil
}

// Leave removes the session from its room, tearing the room down when it
// becomes empty.
func (o *Orchestrator) Leave(sid core.SessionID) error {
	roomID, ok := o.Registry.RemoveRoom(sid)
	if !ok {
		return core.ErrNotJoined
	}
	o.Metrics.PeerLeft()
	room, ok := o.Rooms.Lookup(roomID)
	if !ok {
		// Already shut down together with its worker.
		return nil
	}
	empty, err := room.RemovePeer(domain.PeerID(sid))
	if err != nil {
		return fmt.Errorf("leave room %s: %w", roomID, err)
	}
	if empty {
		o.Rooms.Release(roomID)
	}
	return nil
}

// Message relays chat text to every other member.
func (o *Orchestrator) Message(sid core.SessionID, text string) error {
	room, p, err := o.peerOf(sid)
	if err != nil {
		return err
	}
	room.Broadcast(p.ID(), core.Event{Name: core.EventMessage, Data: core.ChatMessage{
		SocketID: p.ID(),
		Name:     p.Name(),
		Text:     text,
	}})
	return nil
}

func (o *Orchestrator) StartRecording(ctx context.Context, sid core.SessionID) error {
	return o.toggleRecording(ctx, sid, true)
}

func (o *Orchestrator) StopRecording(ctx context.Context, sid core.SessionID) error {
	return o.toggleRecording(ctx, sid, false)
}

// toggleRecording asks the recorder first; the room flag and the broadcast
// follow only its confirmation.
func (o *Orchestrator) toggleRecording(ctx context.Context, sid core.SessionID, start bool) error {
	room, p, err := o.peerOf(sid)
	if err != nil {
		return err
	}
	if o.Recorder == nil {
		return core.ErrRecordingRejected
	}
	if err := room.BeginRecordingChange(start); err != nil {
		return err
	}
	owner := room.Owner()
	if owner == "" {
		owner = p.ID()
	}
	req := core.RecordingRequest{RoomID: room.ID(), OwnerID: owner}
	if start {
		err = o.Recorder.Start(ctx, req)
	} else {
		err = o.Recorder.Stop(ctx, req)
	}
	room.EndRecordingChange(start, err == nil)
	if err != nil {
		if !errors.Is(err, core.ErrRecordingRejected) {
			err = fmt.Errorf("%w: %w", core.ErrRecordingRejected, err)
		}
		return err
	}

	name := core.EventRecordingStopped
	if start {
		name = core.EventRecordingStarted
	}
	room.Broadcast("", core.Event{Name: name, Data: core.RecordingState{RoomID: room.ID()}})
	log.Info().Str("module", "orch").Str("room", string(room.ID())).Str("owner", string(owner)).Bool("recording", start).Msg("recording changed")
	return nil
}
