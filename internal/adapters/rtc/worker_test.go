package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Meet/internal/core"
)

func newTestRouter(t *testing.T) (*Worker, *Router) {
	t.Helper()
	w, err := NewWorker(WorkerOptions{EnableUDP: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	r, err := w.CreateRouter(context.Background(), testCodecs())
	require.NoError(t, err)
	return w, r.(*Router)
}

func TestCreateRouterExposesCapabilities(t *testing.T) {
	w, r := newTestRouter(t)

	assert.NotEmpty(t, r.ID())
	assert.Len(t, r.RtpCapabilities().Codecs, 3)
	assert.Equal(t, 1, w.RouterCount())

	require.NoError(t, r.Close())
	assert.Zero(t, w.RouterCount())
}

func TestWorkerCloseClosesRouters(t *testing.T) {
	w, r := newTestRouter(t)
	closed := make(chan struct{})
	r.OnClose(func() { close(closed) })

	require.NoError(t, w.Close())

	select {
	case <-w.Died():
	default:
		t.Fatal("died channel should be closed")
	}
	<-closed
	_, err := w.CreateRouter(context.Background(), testCodecs())
	assert.ErrorIs(t, err, ErrWorkerClosed)
	assert.NoError(t, w.Close(), "second close is a no-op")
}

func TestTransportLifecycle(t *testing.T) {
	_, r := newTestRouter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ct, err := r.CreateWebRtcTransport(ctx, core.TransportOptions{EnableUDP: true, EnableSctp: true, MaxSctpMessageSize: 262144})
	require.NoError(t, err)
	tr := ct.(*Transport)

	params := tr.Params()
	assert.Equal(t, tr.ID(), params.ID)
	assert.NotEmpty(t, params.IceParameters.UsernameFragment)
	assert.True(t, params.IceParameters.IceLite)
	require.NotEmpty(t, params.DtlsParameters.Fingerprints)
	require.NotNil(t, params.SctpParameters)
	assert.Equal(t, uint32(262144), params.SctpParameters.MaxMessageSize)

	err = tr.Connect(ctx, core.TransportConnectParams{})
	assert.ErrorIs(t, err, ErrIceParameters)

	_, err = tr.Produce(ctx, core.ProduceParams{Kind: core.KindVideo, RtpParameters: core.RtpParameters{
		Codecs: []core.RtpCodecParameters{{MimeType: "video/VP8", ClockRate: 90000, PayloadType: 98}},
	}})
	assert.ErrorIs(t, err, ErrNoEncoding)

	_, err = tr.Produce(ctx, core.ProduceParams{Kind: "data"})
	assert.ErrorIs(t, err, core.ErrInvalidKind)

	short, stop := context.WithTimeout(ctx, 50*time.Millisecond)
	defer stop()
	_, err = tr.Produce(short, core.ProduceParams{Kind: core.KindVideo, RtpParameters: core.RtpParameters{
		Codecs:    []core.RtpCodecParameters{{MimeType: "video/VP8", ClockRate: 90000, PayloadType: 98}},
		Encodings: []core.RtpEncodingParameters{{Ssrc: 1234}},
	}})
	assert.ErrorIs(t, err, context.DeadlineExceeded, "media waits for the handshake")

	_, err = tr.Consume(ctx, core.ConsumeParams{ProducerID: "missing"})
	assert.ErrorIs(t, err, core.ErrProducerNotFound)

	var fired int
	tr.OnClose(func() { fired++ })
	require.NoError(t, r.Close())
	assert.Equal(t, 1, fired)
	assert.NoError(t, tr.Close())
	assert.Equal(t, 1, fired)

	tr.OnClose(func() { fired++ })
	assert.Equal(t, 2, fired, "late callbacks run at once")

	_, err = r.CreateWebRtcTransport(ctx, core.TransportOptions{EnableUDP: true})
	assert.ErrorIs(t, err, ErrRouterClosed)
}

func TestConnectTimeoutClosesTransport(t *testing.T) {
	_, r := newTestRouter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ct, err := r.CreateWebRtcTransport(ctx, core.TransportOptions{EnableUDP: true})
	require.NoError(t, err)
	tr := ct.(*Transport)
	closed := make(chan struct{})
	tr.OnClose(func() { close(closed) })

	params := core.TransportConnectParams{
		IceParameters: &core.IceParameters{UsernameFragment: "remoteufrag", Password: "remotepasswordremotepassword"},
		DtlsParameters: core.DtlsParameters{Role: "client", Fingerprints: []core.DtlsFingerprint{
			{Algorithm: "sha-256", Value: "AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99"},
		}},
	}
	short, stop := context.WithTimeout(ctx, 300*time.Millisecond)
	defer stop()
	started := time.Now()
	err = tr.Connect(short, params)

	require.ErrorIs(t, err, context.DeadlineExceeded, "no remote candidate ever answers")
	assert.Less(t, time.Since(started), 5*time.Second)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned handshake should close the transport")
	}
	r.mu.Lock()
	assert.Empty(t, r.transports)
	r.mu.Unlock()
	assert.ErrorIs(t, tr.Connect(ctx, params), ErrTransportClosed)
}
