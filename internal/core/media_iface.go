package core

import "context"

type WorkerID string

// Worker is one media engine process. Died is closed when it stops for good.
type Worker interface {
	ID() WorkerID
	CreateRouter(ctx context.Context, codecs []RtpCodecCapability) (Router, error)
	Died() <-chan struct{}
	Close() error
}

// Router owns the producers of one room and the codec set they may use.
type Router interface {
	ID() string
	RtpCapabilities() RtpCapabilities
	CreateWebRtcTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	Close() error
}

type Transport interface {
	ID() string
	Params() TransportParams
	Connect(ctx context.Context, params TransportConnectParams) error
	Produce(ctx context.Context, params ProduceParams) (Producer, error)
	Consume(ctx context.Context, params ConsumeParams) (Consumer, error)
	// OnClose runs fn once the transport is closed, immediately if it already is.
	OnClose(fn func())
	Close() error
}

type Producer interface {
	ID() string
	Kind() MediaKind
	RtpParameters() RtpParameters
	OnClose(fn func())
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RtpParameters() RtpParameters
	Paused() bool
	Resume(ctx context.Context) error
	OnClose(fn func())
	Close() error
}
