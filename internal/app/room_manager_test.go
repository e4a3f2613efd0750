package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/core/coretest"
	"github.com/dkeye/Meet/internal/domain"
)

var testCodecs = []core.RtpCodecCapability{{Kind: core.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2}}

func newManager(t *testing.T, ids ...string) (*RoomManager, []*coretest.Worker) {
	t.Helper()
	pool, fakes := newPool(ids...)
	return NewRoomManager(RoomManagerConfig{
		Pool:     pool,
		Codecs:   testCodecs,
		EmptyTTL: time.Minute,
	}), fakes
}

func member(t *testing.T, id string) *domain.Member {
	t.Helper()
	m, err := domain.NewMember(domain.PeerID(id), id, nil)
	require.NoError(t, err)
	return m
}

func TestGetOrCreate(t *testing.T) {
	rm, fakes := newManager(t, "w1")
	ctx := context.Background()

	room, created, err := rm.GetOrCreate(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.RoomID("alpha"), room.ID())
	assert.Equal(t, core.WorkerID("w1"), room.WorkerID())
	assert.Equal(t, testCodecs, room.RtpCapabilities().Codecs)

	again, created, err := rm.GetOrCreate(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, room, again)
	assert.Len(t, fakes[0].Routers(), 1)
}

func TestConcurrentGetOrCreateBuildsOneRouter(t *testing.T) {
	rm, fakes := newManager(t, "w1", "w2")

	const n = 32
	rooms := make([]*core.Room, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, _, err := rm.GetOrCreate(context.Background(), "alpha")
			assert.NoError(t, err)
			rooms[i] = r
		}(i)
	}
	wg.Wait()

	for _, r := range rooms[1:] {
		assert.Same(t, rooms[0], r)
	}
	assert.Equal(t, 1, len(fakes[0].Routers())+len(fakes[1].Routers()))
	assert.Equal(t, 1, rm.Count())
}

func TestGetOrCreateErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(fakes []*coretest.Worker, rm *RoomManager)
		wantErr error
	}{
		{
			name:    "given every worker dead when creating then no workers",
			setup:   func(_ []*coretest.Worker, rm *RoomManager) { rm.cfg.Pool.MarkDead("w1") },
			wantErr: core.ErrNoWorkers,
		},
		{
			name:    "given a failing worker when creating then the router error is returned",
			setup:   func(fakes []*coretest.Worker, _ *RoomManager) { fakes[0].RouterErr = coretest.ErrInjected },
			wantErr: coretest.ErrInjected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rm, fakes := newManager(t, "w1")
			tt.setup(fakes, rm)
			_, _, err := rm.GetOrCreate(context.Background(), "alpha")
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, rm.Count())
		})
	}
}

func TestReleaseOnlyEmptyRooms(t *testing.T) {
	rm, fakes := newManager(t, "w1")
	room, _, err := rm.GetOrCreate(context.Background(), "alpha")
	require.NoError(t, err)
	_, err = room.AddPeer(member(t, "a"), &coretest.Notifier{})
	require.NoError(t, err)

	assert.False(t, rm.Release("alpha"), "occupied room stays")
	_, ok := rm.Lookup("alpha")
	assert.True(t, ok)

	_, err = room.RemovePeer("a")
	require.NoError(t, err)
	assert.True(t, rm.Release("alpha"))
	_, ok = rm.Lookup("alpha")
	assert.False(t, ok)
	assert.True(t, room.Closed())
	assert.True(t, fakes[0].Routers()[0].IsClosed())

	fresh, created, err := rm.GetOrCreate(context.Background(), "alpha")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotSame(t, room, fresh)
}

func TestSweepReleasesStaleEmptyRooms(t *testing.T) {
	rm, _ := newManager(t, "w1")
	ctx := context.Background()
	idle, _, err := rm.GetOrCreate(ctx, "idle")
	require.NoError(t, err)
	busy, _, err := rm.GetOrCreate(ctx, "busy")
	require.NoError(t, err)
	_, err = busy.AddPeer(member(t, "a"), &coretest.Notifier{})
	require.NoError(t, err)

	assert.Zero(t, rm.Sweep(time.Now()), "fresh rooms survive")
	assert.Equal(t, 1, rm.Sweep(time.Now().Add(2*time.Minute)))
	assert.True(t, idle.Closed())
	assert.False(t, busy.Closed())
	assert.Equal(t, []domain.RoomID{"busy"}, roomIDs(rm.List()))
}

func TestEvictWorker(t *testing.T) {
	rm, _ := newManager(t, "w1", "w2")
	ctx := context.Background()
	for _, id := range []domain.RoomID{"a", "b", "c"} {
		_, _, err := rm.GetOrCreate(ctx, id)
		require.NoError(t, err)
	}

	evicted := rm.EvictWorker("w1")
	var ids []domain.RoomID
	for _, r := range evicted {
		assert.Equal(t, core.WorkerID("w1"), r.WorkerID())
		ids = append(ids, r.ID())
	}
	assert.ElementsMatch(t, []domain.RoomID{"a", "c"}, ids)
	assert.Equal(t, []domain.RoomID{"b"}, roomIDs(rm.List()))
}

func TestCloseShutsDownEveryRoom(t *testing.T) {
	rm, _ := newManager(t, "w1")
	ctx := context.Background()
	r1, _, _ := rm.GetOrCreate(ctx, "a")
	r2, _, _ := rm.GetOrCreate(ctx, "b")
	n1, n2 := &coretest.Notifier{}, &coretest.Notifier{}
	_, err := r1.AddPeer(member(t, "p1"), n1)
	require.NoError(t, err)
	_, err = r2.AddPeer(member(t, "p2"), n2)
	require.NoError(t, err)

	ev := core.Event{Name: core.EventReconnect, Data: core.Reconnect{Reason: "shutdown"}}
	evicted := rm.Close(ev)

	assert.ElementsMatch(t, []domain.PeerID{"p1", "p2"}, evicted)
	assert.Len(t, n1.Named(core.EventReconnect), 1)
	assert.Len(t, n2.Named(core.EventReconnect), 1)
	assert.Zero(t, rm.Count())
	assert.True(t, r1.Closed())
	assert.True(t, r2.Closed())
}

func roomIDs(infos []core.RoomInfo) []domain.RoomID {
	out := make([]domain.RoomID, 0, len(infos))
	for _, i := range infos {
		out = append(out, i.ID)
	}
	return out
}
