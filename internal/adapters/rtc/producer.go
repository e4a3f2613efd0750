package rtc

import (
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
)

// Producer receives one client track and relays it to the router's consumers.
type Producer struct {
	closer
	id        string
	kind      core.MediaKind
	params    core.RtpParameters
	ssrc      uint32
	transport *Transport
	receiver  *webrtc.RTPReceiver
}

func newProducer(t *Transport, receiver *webrtc.RTPReceiver, params core.ProduceParams) *Producer {
	return &Producer{
		closer:    newCloser(),
		id:        uuid.NewString(),
		kind:      params.Kind,
		params:    params.RtpParameters,
		ssrc:      params.RtpParameters.Encodings[0].Ssrc,
		transport: t,
		receiver:  receiver,
	}
}

func (p *Producer) ID() string                        { return p.id }
func (p *Producer) Kind() core.MediaKind              { return p.kind }
func (p *Producer) RtpParameters() core.RtpParameters { return p.params }

func (p *Producer) start() {
	relay := p.transport.router.relays.StartRelay(p.transport.router.ctx, p.id, p.receiver.Track())
	go p.drainRTCP()
	go func() {
		// The relay ends when the client stops sending for good.
		<-relay.Done()
		_ = p.Close()
	}()
	log.Info().Str("module", "rtc.producer").Str("producer", p.id).Str("kind", string(p.kind)).Uint32("ssrc", p.ssrc).Msg("producer started")
}

// drainRTCP keeps the receiver's interceptors running.
func (p *Producer) drainRTCP() {
	for {
		if _, _, err := p.receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// requestKeyFrame asks the client for a new keyframe.
func (p *Producer) requestKeyFrame() {
	if p.kind != core.KindVideo || p.isClosed() {
		return
	}
	err := p.transport.writeRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: p.ssrc}})
	if err != nil {
		log.Debug().Err(err).Str("module", "rtc.producer").Str("producer", p.id).Msg("keyframe request")
	}
}

func (p *Producer) Close() error {
	ok, fns := p.markClosed()
	if !ok {
		return nil
	}
	p.transport.router.relays.StopRelay(p.id)
	err := p.receiver.Stop()
	p.transport.router.forgetProducer(p.id)
	p.transport.forgetProducer(p.id)
	runAll(fns)
	log.Info().Str("module", "rtc.producer").Str("producer", p.id).Msg("producer closed")
	return err
}
