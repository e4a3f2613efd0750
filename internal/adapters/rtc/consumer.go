package rtc

import (
	"context"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
)

// Consumer sends one producer's media to a client.
type Consumer struct {
	closer
	id        string
	producer  *Producer
	transport *Transport
	sender    *webrtc.RTPSender
	params    core.RtpParameters
	paused    atomic.Bool
}

func newConsumer(id string, t *Transport, prod *Producer, sender *webrtc.RTPSender, params core.RtpParameters, paused bool) *Consumer {
	c := &Consumer{
		closer:    newCloser(),
		id:        id,
		producer:  prod,
		transport: t,
		sender:    sender,
		params:    params,
	}
	c.paused.Store(paused)
	return c
}

func (c *Consumer) ID() string                        { return c.id }
func (c *Consumer) ProducerID() string                { return c.producer.id }
func (c *Consumer) Kind() core.MediaKind              { return c.producer.kind }
func (c *Consumer) RtpParameters() core.RtpParameters { return c.params }
func (c *Consumer) Paused() bool                      { return c.paused.Load() }

func (c *Consumer) start() {
	go c.readRTCP()
	if !c.Paused() {
		c.producer.requestKeyFrame()
	}
}

// readRTCP forwards the client's keyframe requests to the producer.
func (c *Consumer) readRTCP() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyFrame()
			}
		}
	}
}

func (c *Consumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrTransportClosed
	}
	if !c.paused.CompareAndSwap(true, false) {
		return nil
	}
	c.transport.router.relays.Resume(c.producer.id, c.id)
	c.producer.requestKeyFrame()
	log.Debug().Str("module", "rtc.consumer").Str("consumer", c.id).Msg("consumer resumed")
	return nil
}

func (c *Consumer) Close() error {
	ok, fns := c.markClosed()
	if !ok {
		return nil
	}
	c.transport.router.relays.MarkSubscriberDelete(c.producer.id, c.id)
	err := c.sender.Stop()
	c.transport.forgetConsumer(c.id)
	runAll(fns)
	log.Debug().Str("module", "rtc.consumer").Str("consumer", c.id).Msg("consumer closed")
	return err
}
