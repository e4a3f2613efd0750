package core_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/core/coretest"
	"github.com/dkeye/Meet/internal/domain"
)

var serviceNames = map[string]struct{}{"bot": {}}

type fixture struct {
	t      *testing.T
	room   *core.Room
	router *coretest.Router

	mu      sync.Mutex
	dropped []domain.PeerID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t}
	f.router = coretest.NewRouter([]core.RtpCodecCapability{{Kind: core.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2}})
	f.room = core.NewRoom(core.RoomConfig{
		ID:       "r1",
		WorkerID: "w1",
		Router:   f.router,
		OnDropped: func(_ *core.Room, id domain.PeerID) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.dropped = append(f.dropped, id)
		},
	})
	return f
}

func (f *fixture) join(id, name string) (*core.Peer, *coretest.Notifier) {
	f.t.Helper()
	m, err := domain.NewMember(domain.PeerID(id), name, serviceNames)
	require.NoError(f.t, err)
	n := &coretest.Notifier{}
	p, err := f.room.AddPeer(m, n)
	require.NoError(f.t, err)
	return p, n
}

func (f *fixture) transport(id string) *coretest.Transport {
	f.t.Helper()
	for _, tr := range f.router.Transports() {
		if tr.ID() == id {
			return tr
		}
	}
	f.t.Fatalf("transport %s not found", id)
	return nil
}

// ready syncs and connects both transports of p.
func (f *fixture) ready(p *core.Peer) core.TransportPair {
	f.t.Helper()
	ctx := context.Background()
	pair, err := p.Sync(ctx)
	require.NoError(f.t, err)
	require.NoError(f.t, p.Connect(ctx, core.DirSend, core.TransportConnectParams{}))
	require.NoError(f.t, p.Connect(ctx, core.DirRecv, core.TransportConnectParams{}))
	return pair
}

func (f *fixture) produce(p *core.Peer, kind core.MediaKind) core.Producer {
	f.t.Helper()
	prod, err := p.Produce(context.Background(), core.ProduceParams{Kind: kind})
	require.NoError(f.t, err)
	return prod
}

func newConsumers(n *coretest.Notifier) []core.NewConsumer {
	var out []core.NewConsumer
	for _, d := range n.Named(core.EventNewConsumer) {
		out = append(out, d.(core.NewConsumer))
	}
	return out
}

func TestListOtherMembers(t *testing.T) {
	f := newFixture(t)
	f.join("p1", "alice")
	f.join("p2", "bot")
	f.join("p3", "carol")

	got := f.room.ListOtherMembers("p1")

	assert.Equal(t, []core.MemberDTO{{ID: "p3", Name: "carol"}}, got)
	assert.Equal(t, 3, f.room.MemberCount())
}

func TestAddPeerBroadcastsToOthersOnly(t *testing.T) {
	f := newFixture(t)
	_, n1 := f.join("p1", "alice")
	_, n2 := f.join("p2", "bob")

	assert.Equal(t, []any{core.MemberDTO{ID: "p2", Name: "bob"}}, n1.Named(core.EventNewUserJoined))
	assert.Empty(t, n2.Named(core.EventNewUserJoined))

	_, err := f.room.AddPeer(&domain.Member{ID: "p1", Name: "again"}, &coretest.Notifier{})
	assert.ErrorIs(t, err, core.ErrPeerExists)
}

func TestBroadcastNewProducerExcludesOrigin(t *testing.T) {
	f := newFixture(t)
	p1, n1 := f.join("p1", "alice")
	_, n2 := f.join("p2", "bob")
	f.ready(p1)
	prod := f.produce(p1, core.KindAudio)

	res := f.room.BroadcastNewProducer(p1, prod)

	assert.Equal(t, 1, res.SentTo)
	assert.Empty(t, n1.Named(core.EventNewProducer))
	got := n2.Named(core.EventNewProducer)
	require.Len(t, got, 1)
	np := got[0].(core.NewProducer)
	assert.Equal(t, prod.ID(), np.Options.ProducerID)
	assert.True(t, np.Options.Paused)
	assert.Equal(t, domain.PeerID("p1"), np.SocketID)
	assert.Equal(t, "alice", np.Username)
	assert.Equal(t, f.router.RtpCapabilities(), np.Options.RtpCapabilities)
}

func TestJoinAfterProduceGetsExactlyOneConsumer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1, _ := f.join("p1", "alice")
	f.ready(p1)
	audio := f.produce(p1, core.KindAudio)
	video := f.produce(p1, core.KindVideo)

	p2, n2 := f.join("p2", "bob")
	f.ready(p2)
	created, err := f.room.DiscoverExistingProducers(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	// a late new-producer driven request must not create a second consumer
	_, err = f.room.ConsumeProducer(ctx, "p2", audio.ID())
	assert.ErrorIs(t, err, core.ErrDuplicateConsumer)
	created, err = f.room.DiscoverExistingProducers(ctx, "p2")
	require.NoError(t, err)
	assert.Zero(t, created)

	got := newConsumers(n2)
	require.Len(t, got, 2)
	assert.Equal(t, audio.ID(), got[0].ProducerID)
	assert.Equal(t, video.ID(), got[1].ProducerID)
	for _, nc := range got {
		assert.Equal(t, domain.PeerID("p1"), nc.SocketID)
		assert.Equal(t, "alice", nc.PeerName)
	}
	assert.Equal(t, 2, p2.ConsumerCount())
}

func TestJoinBeforeProduceGetsExactlyOneConsumer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1, _ := f.join("p1", "alice")
	p2, n2 := f.join("p2", "bob")
	f.ready(p1)
	f.ready(p2)

	prod := f.produce(p1, core.KindAudio)
	f.room.BroadcastNewProducer(p1, prod)
	require.Len(t, n2.Named(core.EventNewProducer), 1)

	_, err := f.room.ConsumeProducer(ctx, "p2", prod.ID())
	require.NoError(t, err)
	_, err = f.room.DiscoverExistingProducers(ctx, "p2")
	require.NoError(t, err)

	assert.Len(t, newConsumers(n2), 1)
}

func TestConcurrentDiscoveryAndConsumeCreateOneConsumer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1, _ := f.join("p1", "alice")
	f.ready(p1)
	prod := f.produce(p1, core.KindVideo)
	p2, n2 := f.join("p2", "bob")
	pair := f.ready(p2)

	gate := make(chan struct{})
	f.transport(pair.Recv.ID).SetConsumeGate(gate)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.room.ConsumeProducer(ctx, "p2", prod.ID())
		}()
		go func() {
			defer wg.Done()
			_, _ = f.room.DiscoverExistingProducers(ctx, "p2")
		}()
	}
	close(gate)
	wg.Wait()

	assert.Len(t, newConsumers(n2), 1)
	assert.Len(t, f.transport(pair.Recv.ID).Consumers(), 1)
	assert.Equal(t, 1, p2.ConsumerCount())
}

func TestConsumerStartsPausedAndResumesIndividually(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1, _ := f.join("p1", "alice")
	f.ready(p1)
	audio := f.produce(p1, core.KindAudio)
	video := f.produce(p1, core.KindVideo)
	p2, _ := f.join("p2", "bob")
	f.ready(p2)

	ca, err := f.room.ConsumeProducer(ctx, "p2", audio.ID())
	require.NoError(t, err)
	cv, err := f.room.ConsumeProducer(ctx, "p2", video.ID())
	require.NoError(t, err)
	assert.True(t, ca.Paused())
	assert.True(t, cv.Paused())

	require.NoError(t, p2.Resume(ctx, cv.ID()))

	assert.True(t, ca.Paused(), "other consumer stays paused")
	assert.False(t, cv.Paused())
	assert.ErrorIs(t, p2.Resume(ctx, "unknown"), core.ErrConsumerNotFound)
	assert.ErrorIs(t, p1.Resume(ctx, cv.ID()), core.ErrConsumerNotFound, "only the consuming peer may resume")
}

func TestConsumeRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1, _ := f.join("p1", "alice")
	f.ready(p1)
	prod := f.produce(p1, core.KindAudio)
	f.join("p2", "bob")
	p3, _ := f.join("p3", "carol")
	_, err := p3.Sync(ctx)
	require.NoError(t, err)

	tests := []struct {
		name     string
		peer     domain.PeerID
		producer string
		wantErr  error
	}{
		{name: "given own producer when consumed then refused", peer: "p1", producer: prod.ID(), wantErr: core.ErrSelfConsume},
		{name: "given unknown producer when consumed then not found", peer: "p1", producer: "nope", wantErr: core.ErrProducerNotFound},
		{name: "given unknown peer when consuming then not found", peer: "ghost", producer: prod.ID(), wantErr: core.ErrPeerNotFound},
		{name: "given peer without transports when consuming then transport not found", peer: "p2", producer: prod.ID(), wantErr: core.ErrTransportNotFound},
		{name: "given peer with an unconnected receive transport when consuming then not connected", peer: "p3", producer: prod.ID(), wantErr: core.ErrTransportIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.room.ConsumeProducer(ctx, tt.peer, tt.producer)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFailedConsumeReleasesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1, _ := f.join("p1", "alice")
	f.ready(p1)
	prod := f.produce(p1, core.KindAudio)
	p2, n2 := f.join("p2", "bob")
	pair := f.ready(p2)
	recv := f.transport(pair.Recv.ID)

	recv.SetErrors(nil, nil, coretest.ErrInjected)
	_, err := f.room.ConsumeProducer(ctx, "p2", prod.ID())
	require.ErrorIs(t, err, coretest.ErrInjected)
	assert.Zero(t, p2.ConsumerCount())

	recv.SetErrors(nil, nil, nil)
	created, err := f.room.DiscoverExistingProducers(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Len(t, newConsumers(n2), 1)
}

func TestFailedDiscoveryAnnouncesProducerAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1, _ := f.join("p1", "alice")
	f.ready(p1)
	audio := f.produce(p1, core.KindAudio)
	video := f.produce(p1, core.KindVideo)
	p2, n2 := f.join("p2", "bob")
	pair := f.ready(p2)
	recv := f.transport(pair.Recv.ID)

	recv.SetErrors(nil, nil, coretest.ErrInjected)
	created, err := f.room.DiscoverExistingProducers(ctx, "p2")
	require.ErrorIs(t, err, coretest.ErrInjected)
	assert.Zero(t, created)

	errs := n2.Named(core.EventError)
	require.Len(t, errs, 2)
	assert.Equal(t, core.EventConsumeProducer, errs[0].(core.ErrorPayload).Event)
	again := n2.Named(core.EventNewProducer)
	require.Len(t, again, 2)
	assert.Equal(t, audio.ID(), again[0].(core.NewProducer).Options.ProducerID)
	assert.Equal(t, video.ID(), again[1].(core.NewProducer).Options.ProducerID)
	assert.Equal(t, domain.PeerID("p1"), again[0].(core.NewProducer).SocketID)

	recv.SetErrors(nil, nil, nil)
	for _, ev := range again {
		_, err := f.room.ConsumeProducer(ctx, "p2", ev.(core.NewProducer).Options.ProducerID)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, p2.ConsumerCount())
}

func TestRemovePeerClosesDependentConsumers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1, _ := f.join("p1", "alice")
	f.ready(p1)
	prod := f.produce(p1, core.KindAudio)
	p2, n2 := f.join("p2", "bob")
	pair2 := f.ready(p2)
	_, err := f.room.DiscoverExistingProducers(ctx, "p2")
	require.NoError(t, err)
	consumer := f.transport(pair2.Recv.ID).Consumers()[0]

	empty, err := f.room.RemovePeer("p1")
	require.NoError(t, err)

	assert.False(t, empty)
	assert.True(t, consumer.IsClosed())
	assert.Zero(t, p2.ConsumerCount())
	closed := n2.Named(core.EventConsumerClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, core.ConsumerClosed{ConsumerID: consumer.ID(), ProducerID: prod.ID(), SocketID: "p1"}, closed[0])
	assert.Equal(t, []any{core.UserLeave{SocketID: "p1", PeerName: "alice"}}, n2.Named(core.EventUserLeave))
	assert.Equal(t, core.PeerDisconnected, p1.State())
	for _, tr := range f.router.Transports()[:2] {
		assert.True(t, tr.IsClosed(), "departed peer transports are closed")
	}
}

// r1 with p1 producing, p2 joins after, p1 disconnects.
func TestJoinAfterProduceThenDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1, _ := f.join("p1", "alice")
	f.ready(p1)
	f.produce(p1, core.KindAudio)
	p2, n2 := f.join("p2", "bob")
	f.ready(p2)
	_, err := f.room.DiscoverExistingProducers(ctx, "p2")
	require.NoError(t, err)
	require.Len(t, newConsumers(n2), 1)

	_, err = f.room.RemovePeer("p1")
	require.NoError(t, err)
	_, err = f.room.RemovePeer("p1")
	assert.ErrorIs(t, err, core.ErrPeerNotFound)

	assert.Len(t, n2.Named(core.EventUserLeave), 1)
	empty, err := f.room.RemovePeer("p2")
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestProducerClosedByEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1, _ := f.join("p1", "alice")
	f.ready(p1)
	prod := f.produce(p1, core.KindVideo)
	p2, n2 := f.join("p2", "bob")
	f.ready(p2)
	_, err := f.room.ConsumeProducer(ctx, "p2", prod.ID())
	require.NoError(t, err)

	require.NoError(t, prod.Close())

	assert.Empty(t, p1.ProducerIDs())
	assert.Zero(t, p2.ConsumerCount())
	assert.Len(t, n2.Named(core.EventConsumerClosed), 1)
}

func TestConsumerClosedByEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p1, _ := f.join("p1", "alice")
	f.ready(p1)
	prod := f.produce(p1, core.KindAudio)
	p2, n2 := f.join("p2", "bob")
	f.ready(p2)
	c, err := f.room.ConsumeProducer(ctx, "p2", prod.ID())
	require.NoError(t, err)

	require.NoError(t, c.Close())

	assert.Len(t, n2.Named(core.EventConsumerClosed), 1)
	_, ok := p2.ConsumerFor(prod.ID())
	assert.False(t, ok)
	// the pair is free again
	_, err = f.room.ConsumeProducer(ctx, "p2", prod.ID())
	assert.NoError(t, err)
}

func TestDroppedEventsReachHook(t *testing.T) {
	f := newFixture(t)
	_, n1 := f.join("p1", "alice")
	n1.SetFull(true)

	f.join("p2", "bob")

	assert.Equal(t, []domain.PeerID{"p1"}, f.dropped)
}

func TestRecordingFlag(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.room.BeginRecordingChange(true))
	assert.ErrorIs(t, f.room.BeginRecordingChange(true), core.ErrRecordingBusy)
	assert.False(t, f.room.Recording(), "flag waits for confirmation")

	f.room.EndRecordingChange(true, false)
	assert.False(t, f.room.Recording(), "rejected start keeps flag")
	assert.ErrorIs(t, f.room.BeginRecordingChange(false), core.ErrNotRecording)

	require.NoError(t, f.room.BeginRecordingChange(true))
	f.room.EndRecordingChange(true, true)
	assert.True(t, f.room.Recording())
	assert.ErrorIs(t, f.room.BeginRecordingChange(true), core.ErrAlreadyRecording)

	require.NoError(t, f.room.BeginRecordingChange(false))
	f.room.EndRecordingChange(false, true)
	assert.False(t, f.room.Recording())
}

func TestOwner(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.room.ClaimOwner("p1"))
	assert.False(t, f.room.ClaimOwner("p2"))
	assert.Equal(t, domain.PeerID("p1"), f.room.Owner())
}

func TestCloseIfEmpty(t *testing.T) {
	f := newFixture(t)
	f.join("p1", "alice")

	assert.False(t, f.room.CloseIfEmpty())
	_, err := f.room.RemovePeer("p1")
	require.NoError(t, err)

	assert.True(t, f.room.CloseIfEmpty())
	assert.False(t, f.room.CloseIfEmpty(), "second close is a no-op")
	assert.True(t, f.router.IsClosed())
	_, err = f.room.AddPeer(&domain.Member{ID: "p2", Name: "bob"}, &coretest.Notifier{})
	assert.ErrorIs(t, err, core.ErrRoomClosed)
}

func TestShutdownEvictsMembers(t *testing.T) {
	f := newFixture(t)
	p1, n1 := f.join("p1", "alice")
	_, n2 := f.join("p2", "bob")
	f.ready(p1)
	f.produce(p1, core.KindAudio)

	ev := core.Event{Name: core.EventReconnect, Data: core.Reconnect{RoomID: "r1", Reason: "worker died"}}
	ids := f.room.Shutdown(ev)

	assert.Equal(t, []domain.PeerID{"p1", "p2"}, ids)
	assert.Len(t, n1.Named(core.EventReconnect), 1)
	assert.Len(t, n2.Named(core.EventReconnect), 1)
	assert.True(t, f.router.IsClosed())
	assert.Zero(t, f.room.MemberCount())
	assert.Nil(t, f.room.Shutdown(ev))
}
