package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/app/sfu"
	"github.com/dkeye/Meet/internal/core"
)

type Router struct {
	closer
	id     string
	worker *Worker
	api    *webrtc.API
	caps   core.RtpCapabilities
	relays *sfu.RelayManager

	// ctx bounds every relay loop of the router.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	transports map[string]*Transport
	producers  map[string]*Producer
}

func newRouter(w *Worker, api *webrtc.API, caps core.RtpCapabilities) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		closer:     newCloser(),
		id:         uuid.NewString(),
		worker:     w,
		api:        api,
		caps:       caps,
		relays:     sfu.NewRelayManager(),
		ctx:        ctx,
		cancel:     cancel,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
}

func (r *Router) ID() string                            { return r.id }
func (r *Router) RtpCapabilities() core.RtpCapabilities { return r.caps }

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts core.TransportOptions) (core.Transport, error) {
	if r.isClosed() {
		return nil, ErrRouterClosed
	}
	t, err := newTransport(ctx, r, opts)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.isClosed() {
		r.mu.Unlock()
		_ = t.Close()
		return nil, ErrRouterClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *Router) forgetProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) forgetTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *Router) Close() error {
	ok, fns := r.markClosed()
	if !ok {
		return nil
	}
	r.mu.Lock()
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	var errs []error
	for _, t := range transports {
		errs = append(errs, t.Close())
	}
	r.relays.StopAll()
	r.cancel()
	r.worker.forget(r.id)
	runAll(fns)
	log.Info().Str("module", "rtc.router").Str("router", r.id).Int("transports", len(transports)).Msg("router closed")
	return errors.Join(errs...)
}
