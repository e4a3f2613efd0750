package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/metrics"
)

type RoomManagerConfig struct {
	Pool      *WorkerPool
	Codecs    []core.RtpCodecCapability
	Transport core.TransportOptions
	EmptyTTL  time.Duration
	OnDropped func(r *core.Room, peer domain.PeerID)
	Metrics   *metrics.Metrics
}

// RoomManager is the room registry. Its lock only guards the map; router
// creation runs outside it, deduplicated per room id.
type RoomManager struct {
	cfg   RoomManagerConfig
	group singleflight.Group

	mu    sync.RWMutex
	rooms map[domain.RoomID]*core.Room
}

func NewRoomManager(cfg RoomManagerConfig) *RoomManager {
	return &RoomManager{cfg: cfg, rooms: make(map[domain.RoomID]*core.Room)}
}

// Lookup returns the open room with id.
func (m *RoomManager) Lookup(id domain.RoomID) (*core.Room, bool) {
	m.mu.RLock()
	room, ok := m.rooms[id]
	m.mu.RUnlock()
	if !ok || room.Closed() {
		return nil, false
	}
	return room, true
}

type getResult struct {
	room    *core.Room
	created bool
}

// GetOrCreate returns the room with id, creating it on the next worker if
// needed. Concurrent callers for the same id share one creation.
func (m *RoomManager) GetOrCreate(ctx context.Context, id domain.RoomID) (*core.Room, bool, error) {
	if room, ok := m.Lookup(id); ok {
		return room, false, nil
	}
	v, err, _ := m.group.Do(string(id), func() (any, error) {
		if room, ok := m.Lookup(id); ok {
			return getResult{room: room}, nil
		}
		room, err := m.create(ctx, id)
		if err != nil {
			return nil, err
		}
		return getResult{room: room, created: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(getResult)
	return res.room, res.created, nil
}

func (m *RoomManager) create(ctx context.Context, id domain.RoomID) (*core.Room, error) {
	w, err := m.cfg.Pool.Assign()
	if err != nil {
		return nil, err
	}
	router, err := w.CreateRouter(ctx, m.cfg.Codecs)
	if err != nil {
		return nil, fmt.Errorf("create router on %s: %w", w.ID(), err)
	}
	room := core.NewRoom(core.RoomConfig{
		ID:        id,
		WorkerID:  w.ID(),
		Router:    router,
		Transport: m.cfg.Transport,
		OnDropped: m.cfg.OnDropped,
	})
	m.mu.Lock()
	m.rooms[id] = room
	m.mu.Unlock()
	m.cfg.Metrics.RoomOpened()
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Str("worker", string(w.ID())).Str("router", router.ID()).Msg("room created")
	return room, nil
}

// List returns a snapshot of open rooms sorted by id.
func (m *RoomManager) List() []core.RoomInfo {
	m.mu.RLock()
	rooms := make([]*core.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	out := make([]core.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		if !r.Closed() {
			out = append(out, r.Info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *RoomManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Release closes and forgets the room if nobody is in it.
func (m *RoomManager) Release(id domain.RoomID) bool {
	m.mu.RLock()
	room, ok := m.rooms[id]
	m.mu.RUnlock()
	if !ok || !room.CloseIfEmpty() {
		return false
	}
	m.forget(id, room)
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room released")
	return true
}

func (m *RoomManager) forget(id domain.RoomID, room *core.Room) {
	m.mu.Lock()
	if m.rooms[id] == room {
		delete(m.rooms, id)
	}
	m.mu.Unlock()
	m.cfg.Metrics.RoomClosed()
}

// Sweep releases rooms that stayed empty for longer than the configured TTL.
// Rooms created but never joined are the only ones that get here.
func (m *RoomManager) Sweep(now time.Time) int {
	m.mu.RLock()
	var stale []domain.RoomID
	for id, r := range m.rooms {
		if r.MemberCount() == 0 && now.Sub(r.CreatedAt()) >= m.cfg.EmptyTTL {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range stale {
		if m.Release(id) {
			n++
		}
	}
	if n > 0 {
		log.Info().Str("module", "app.rooms").Int("released", n).Msg("swept empty rooms")
	}
	return n
}

func (m *RoomManager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// EvictWorker forgets every room hosted on worker id and returns them.
// The caller shuts them down.
func (m *RoomManager) EvictWorker(id core.WorkerID) []*core.Room {
	m.mu.Lock()
	var out []*core.Room
	for rid, r := range m.rooms {
		if r.WorkerID() == id {
			out = append(out, r)
			delete(m.rooms, rid)
		}
	}
	m.mu.Unlock()
	for range out {
		m.cfg.Metrics.RoomClosed()
	}
	return out
}

// Close shuts every room down, sending ev to whoever is still inside.
func (m *RoomManager) Close(ev core.Event) []domain.PeerID {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[domain.RoomID]*core.Room)
	m.mu.Unlock()

	var (
		mu      sync.Mutex
		evicted []domain.PeerID
		wg      conc.WaitGroup
	)
	for _, r := range rooms {
		wg.Go(func() {
			ids := r.Shutdown(ev)
			mu.Lock()
			evicted = append(evicted, ids...)
			mu.Unlock()
			m.cfg.Metrics.RoomClosed()
		})
	}
	wg.Wait()
	log.Info().Str("module", "app.rooms").Int("rooms", len(rooms)).Int("evicted", len(evicted)).Msg("all rooms closed")
	return evicted
}

// IsRetryable reports whether a join failed only because the room it found
// was closing underneath it.
func IsRetryable(err error) bool {
	return errors.Is(err, core.ErrRoomClosed)
}
