package rtc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/app/sfu"
	"github.com/dkeye/Meet/internal/core"
)

const (
	sctpPort    = 5000
	sctpStreams = 1024
)

// Transport is one ICE-lite + DTLS connection to a client. Media can only
// flow after Connect returned.
type Transport struct {
	closer
	id     string
	router *Router

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	sctp     *webrtc.SCTPTransport
	params   core.TransportParams

	ready      chan struct{}
	connecting atomic.Bool

	mu        sync.Mutex
	nextMid   int
	producers map[string]*Producer
	consumers map[string]*Consumer
}

func newTransport(ctx context.Context, r *Router, opts core.TransportOptions) (*Transport, error) {
	t := &Transport{
		closer:    newCloser(),
		id:        uuid.NewString(),
		router:    r,
		ready:     make(chan struct{}),
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	if err := t.gather(ctx, opts); err != nil {
		_ = t.stopAll()
		return nil, err
	}
	log.Debug().
		Str("module", "rtc.transport").
		Str("router", r.id).
		Str("transport", t.id).
		Int("candidates", len(t.params.IceCandidates)).
		Msg("transport created")
	return t, nil
}

func (t *Transport) gather(ctx context.Context, opts core.TransportOptions) error {
	var err error
	t.gatherer, err = t.router.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return fmt.Errorf("ice gatherer: %w", err)
	}
	t.ice = t.router.api.NewICETransport(t.gatherer)
	t.dtls, err = t.router.api.NewDTLSTransport(t.ice, nil)
	if err != nil {
		return fmt.Errorf("dtls transport: %w", err)
	}

	gathered := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("gather candidates: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("ice parameters: %w", err)
	}
	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return fmt.Errorf("ice candidates: %w", err)
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("dtls parameters: %w", err)
	}

	t.params = core.TransportParams{
		ID:             t.id,
		IceParameters:  iceParameters(iceParams),
		IceCandidates:  filterCandidates(candidates, opts),
		DtlsParameters: dtlsParameters(dtlsParams),
	}
	t.params.IceParameters.IceLite = true
	t.params.DtlsParameters.Role = "auto"

	if opts.EnableSctp {
		t.sctp = t.router.api.NewSCTPTransport(t.dtls)
		size := opts.MaxSctpMessageSize
		if size == 0 {
			size = t.sctp.GetCapabilities().MaxMessageSize
		}
		t.params.SctpParameters = &core.SctpParameters{
			Port:           sctpPort,
			OS:             sctpStreams,
			MIS:            sctpStreams,
			MaxMessageSize: size,
		}
	}
	return nil
}

// filterCandidates drops disabled protocols and puts the preferred one first.
func filterCandidates(in []webrtc.ICECandidate, opts core.TransportOptions) []core.IceCandidate {
	out := make([]core.IceCandidate, 0, len(in))
	for _, c := range in {
		switch c.Protocol {
		case webrtc.ICEProtocolUDP:
			if !opts.EnableUDP {
				continue
			}
		case webrtc.ICEProtocolTCP:
			if !opts.EnableTCP {
				continue
			}
		}
		out = append(out, iceCandidate(c))
	}
	slices.SortStableFunc(out, func(a, b core.IceCandidate) int {
		rank := func(c core.IceCandidate) int {
			if (c.Protocol == "udp") == opts.PreferUDP {
				return 0
			}
			return 1
		}
		return rank(a) - rank(b)
	})
	return out
}

func (t *Transport) ID() string                   { return t.id }
func (t *Transport) Params() core.TransportParams { return t.params }

// Connect runs the ICE and DTLS handshake against the client parameters and
// returns once media can flow. A handshake that fails or outlives ctx closes
// the transport, which also unblocks a pending ICE check.
func (t *Transport) Connect(ctx context.Context, params core.TransportConnectParams) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if params.IceParameters == nil {
		return ErrIceParameters
	}
	candidates := make([]webrtc.ICECandidate, 0, len(params.IceCandidates))
	for _, c := range params.IceCandidates {
		pc, err := toPionCandidate(c)
		if err != nil {
			return err
		}
		candidates = append(candidates, pc)
	}
	if !t.connecting.CompareAndSwap(false, true) {
		return core.ErrTransportConnected
	}

	logger := log.With().Str("module", "rtc.transport").Str("transport", t.id).Logger()
	errc := make(chan error, 1)
	go func() {
		errc <- t.handshake(toPionIceParameters(*params.IceParameters), candidates, toPionDtlsParameters(params.DtlsParameters))
	}()
	select {
	case err := <-errc:
		if err != nil {
			logger.Warn().Err(err).Msg("handshake failed")
			_ = t.Close()
			return err
		}
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		logger.Warn().Err(ctx.Err()).Msg("handshake abandoned")
		_ = t.Close()
		return ctx.Err()
	}
	close(t.ready)
	logger.Info().Msg("transport connected")
	return nil
}

func (t *Transport) handshake(ice webrtc.ICEParameters, candidates []webrtc.ICECandidate, dtls webrtc.DTLSParameters) error {
	if err := t.ice.SetRemoteCandidates(candidates); err != nil {
		return fmt.Errorf("set remote candidates: %w", err)
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, ice, &role); err != nil {
		return fmt.Errorf("ice: %w", err)
	}
	if err := t.dtls.Start(dtls); err != nil {
		return fmt.Errorf("dtls: %w", err)
	}
	return nil
}

func (t *Transport) waitReady(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) Produce(ctx context.Context, params core.ProduceParams) (core.Producer, error) {
	if !params.Kind.Valid() {
		return nil, core.ErrInvalidKind
	}
	if len(params.RtpParameters.Codecs) == 0 {
		return nil, ErrNoCodec
	}
	encs := params.RtpParameters.Encodings
	if len(encs) == 0 || encs[0].Ssrc == 0 {
		return nil, ErrNoEncoding
	}
	if _, err := matchCodec(t.router.caps, params.RtpParameters.Codecs[0], nil); err != nil {
		return nil, err
	}
	if err := t.waitReady(ctx); err != nil {
		return nil, err
	}

	receiver, err := t.router.api.NewRTPReceiver(pionKind(params.Kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	coding := webrtc.RTPCodingParameters{
		SSRC:        webrtc.SSRC(encs[0].Ssrc),
		PayloadType: webrtc.PayloadType(params.RtpParameters.Codecs[0].PayloadType),
	}
	if encs[0].Rtx != nil {
		coding.RTX = webrtc.RTPRtxParameters{SSRC: webrtc.SSRC(encs[0].Rtx.Ssrc)}
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{RTPCodingParameters: coding}},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("rtp receive: %w", err)
	}

	p := newProducer(t, receiver, params)
	t.mu.Lock()
	if t.isClosed() {
		t.mu.Unlock()
		_ = p.Close()
		return nil, ErrTransportClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.addProducer(p)
	p.start()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, params core.ConsumeParams) (core.Consumer, error) {
	prod, ok := t.router.producer(params.ProducerID)
	if !ok {
		return nil, core.ErrProducerNotFound
	}
	codec, err := matchCodec(t.router.caps, prod.params.Codecs[0], params.RtpCapabilities)
	if err != nil {
		return nil, err
	}
	if err := t.waitReady(ctx); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(toPionCapability(codec), id, prod.id)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("rtp send: %w", err)
	}

	t.mu.Lock()
	mid := strconv.Itoa(t.nextMid)
	t.nextMid++
	t.mu.Unlock()

	c := newConsumer(id, t, prod, sender, core.RtpParameters{
		Mid:              mid,
		Codecs:           []core.RtpCodecParameters{codec},
		HeaderExtensions: prod.params.HeaderExtensions,
		Encodings:        []core.RtpEncodingParameters{{Ssrc: uint32(sendParams.Encodings[0].SSRC)}},
		Rtcp:             core.RtcpParameters{Cname: prod.params.Rtcp.Cname, ReducedSize: true},
	}, params.Paused)

	var ot *sfu.OutTrack
	if params.Paused {
		ot = sfu.NewPausedOutTrack(track)
	} else {
		ot = sfu.NewOutTrack(track)
	}
	if !t.router.relays.AddSubscriber(prod.id, c.id, ot) {
		_ = c.Close()
		return nil, core.ErrProducerNotFound
	}

	t.mu.Lock()
	if t.isClosed() {
		t.mu.Unlock()
		_ = c.Close()
		return nil, ErrTransportClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	prod.OnClose(func() { _ = c.Close() })
	c.start()
	return c, nil
}

func (t *Transport) forgetProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) forgetConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

func (t *Transport) writeRTCP(pkts []rtcp.Packet) error {
	select {
	case <-t.ready:
	default:
		return ErrTransportClosed
	}
	_, err := t.dtls.WriteRTCP(pkts)
	return err
}

func (t *Transport) Close() error {
	ok, fns := t.markClosed()
	if !ok {
		return nil
	}
	t.mu.Lock()
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	err := t.stopAll()
	t.router.forgetTransport(t.id)
	runAll(fns)
	log.Debug().Str("module", "rtc.transport").Str("transport", t.id).Msg("transport closed")
	return err
}

func (t *Transport) stopAll() error {
	var errs []error
	if t.sctp != nil {
		errs = append(errs, t.sctp.Stop())
	}
	if t.dtls != nil {
		errs = append(errs, t.dtls.Stop())
	}
	if t.ice != nil {
		errs = append(errs, t.ice.Stop())
	}
	if t.gatherer != nil {
		errs = append(errs, t.gatherer.Close())
	}
	return errors.Join(errs...)
}
