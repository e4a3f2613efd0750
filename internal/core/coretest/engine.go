// Package coretest provides an in-memory media engine for tests.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Meet/internal/core"
)

var (
	ErrClosed   = errors.New("closed")
	ErrInjected = errors.New("injected failure")
)

var seq atomic.Int64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, seq.Add(1))
}

type closer struct {
	mu      sync.Mutex
	closed  bool
	onClose []func()
}

func (c *closer) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

func (c *closer) close() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	fns := c.onClose
	c.onClose = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return true
}

func (c *closer) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type Worker struct {
	id   core.WorkerID
	died chan struct{}
	once sync.Once

	mu        sync.Mutex
	routers   []*Router
	RouterErr error
	// OnRouter, when set, sees every router before it is handed out.
	OnRouter func(*Router)
}

func NewWorker(id string) *Worker {
	return &Worker{id: core.WorkerID(id), died: make(chan struct{})}
}

func (w *Worker) ID() core.WorkerID     { return w.id }
func (w *Worker) Died() <-chan struct{} { return w.died }

// Kill simulates the worker process dying.
func (w *Worker) Kill() { w.once.Do(func() { close(w.died) }) }

func (w *Worker) Close() error {
	w.Kill()
	return nil
}

func (w *Worker) CreateRouter(_ context.Context, codecs []core.RtpCodecCapability) (core.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.RouterErr != nil {
		return nil, w.RouterErr
	}
	r := NewRouter(codecs)
	if w.OnRouter != nil {
		w.OnRouter(r)
	}
	w.routers = append(w.routers, r)
	return r, nil
}

func (w *Worker) Routers() []*Router {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*Router(nil), w.routers...)
}

type Router struct {
	closer
	id   string
	caps core.RtpCapabilities

	mu           sync.Mutex
	transports   []*Transport
	producers    map[string]*Producer
	TransportErr error
	// TransportErrAfter fails every transport creation after the first n.
	TransportErrAfter int
	// OnTransport, when set, sees every transport before it is handed out.
	OnTransport func(*Transport)
}

func NewRouter(codecs []core.RtpCodecCapability) *Router {
	return &Router{
		id:                nextID("router"),
		caps:              core.RtpCapabilities{Codecs: codecs, HeaderExtensions: []core.RtpHeaderExtension{}},
		producers:         make(map[string]*Producer),
		TransportErrAfter: -1,
	}
}

func (r *Router) ID() string                            { return r.id }
func (r *Router) RtpCapabilities() core.RtpCapabilities { return r.caps }

func (r *Router) CreateWebRtcTransport(_ context.Context, _ core.TransportOptions) (core.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.IsClosed() {
		return nil, ErrClosed
	}
	if r.TransportErr != nil {
		return nil, r.TransportErr
	}
	if r.TransportErrAfter >= 0 && len(r.transports) >= r.TransportErrAfter {
		return nil, ErrInjected
	}
	t := &Transport{id: nextID("transport"), router: r}
	if r.OnTransport != nil {
		r.OnTransport(t)
	}
	r.transports = append(r.transports, t)
	return t, nil
}

func (r *Router) Transports() []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Transport(nil), r.transports...)
}

func (r *Router) Close() error {
	if !r.close() {
		return nil
	}
	for _, t := range r.Transports() {
		_ = t.Close()
	}
	return nil
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

type Transport struct {
	closer
	id     string
	router *Router

	mu         sync.Mutex
	connected  bool
	consumers  []*Consumer
	ConnectErr error
	ProduceErr error
	ConsumeErr error
	// ConsumeGate, when set, blocks Consume until it is closed.
	ConsumeGate chan struct{}
	// Handshake, when set, makes Connect wait for a result on it. A failed
	// or abandoned handshake closes the transport.
	Handshake chan error
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Params() core.TransportParams {
	return core.TransportParams{
		ID:             t.id,
		IceParameters:  core.IceParameters{UsernameFragment: "u-" + t.id, Password: "p-" + t.id, IceLite: true},
		IceCandidates:  []core.IceCandidate{{Foundation: "1", Priority: 1, IP: "127.0.0.1", Address: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"}},
		DtlsParameters: core.DtlsParameters{Role: "auto", Fingerprints: []core.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}}},
	}
}

func (t *Transport) Connect(ctx context.Context, _ core.TransportConnectParams) error {
	t.mu.Lock()
	if t.IsClosed() {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.ConnectErr != nil {
		t.mu.Unlock()
		return t.ConnectErr
	}
	hs := t.Handshake
	t.mu.Unlock()

	if hs != nil {
		select {
		case err := <-hs:
			if err != nil {
				_ = t.Close()
				return err
			}
		case <-ctx.Done():
			_ = t.Close()
			return ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

// SetHandshake installs the channel Connect waits on for its result.
func (t *Transport) SetHandshake(hs chan error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Handshake = hs
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Produce(_ context.Context, params core.ProduceParams) (core.Producer, error) {
	t.mu.Lock()
	err := t.ProduceErr
	t.mu.Unlock()
	if t.IsClosed() {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, err
	}
	p := &Producer{id: nextID("producer"), kind: params.Kind, params: params.RtpParameters}
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, params core.ConsumeParams) (core.Consumer, error) {
	t.mu.Lock()
	gate, err := t.ConsumeGate, t.ConsumeErr
	t.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.IsClosed() {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, err
	}
	prod, ok := t.router.producer(params.ProducerID)
	if !ok || prod.IsClosed() {
		return nil, fmt.Errorf("producer %s: %w", params.ProducerID, ErrClosed)
	}
	c := &Consumer{id: nextID("consumer"), producerID: prod.id, kind: prod.kind, paused: params.Paused, params: prod.params}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

// SetConsumeGate installs or clears the gate Consume waits on.
func (t *Transport) SetConsumeGate(gate chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ConsumeGate = gate
}

func (t *Transport) SetErrors(connect, produce, consume error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ConnectErr, t.ProduceErr, t.ConsumeErr = connect, produce, consume
}

func (t *Transport) Consumers() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Consumer(nil), t.consumers...)
}

func (t *Transport) Close() error {
	t.close()
	return nil
}

type Producer struct {
	closer
	id     string
	kind   core.MediaKind
	params core.RtpParameters
	// CloseErr is returned by Close once the producer is closed.
	CloseErr error
}

func (p *Producer) ID() string                        { return p.id }
func (p *Producer) Kind() core.MediaKind              { return p.kind }
func (p *Producer) RtpParameters() core.RtpParameters { return p.params }

func (p *Producer) Close() error {
	p.close()
	return p.CloseErr
}

type Consumer struct {
	closer
	id         string
	producerID string
	kind       core.MediaKind
	params     core.RtpParameters

	mu      sync.Mutex
	paused  bool
	resumes int
	// CloseErr is returned by Close once the consumer is closed.
	CloseErr error
}

func (c *Consumer) ID() string                        { return c.id }
func (c *Consumer) ProducerID() string                { return c.producerID }
func (c *Consumer) Kind() core.MediaKind              { return c.kind }
func (c *Consumer) RtpParameters() core.RtpParameters { return c.params }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Resume(context.Context) error {
	if c.IsClosed() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.resumes++
	return nil
}

func (c *Consumer) Resumes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumes
}

func (c *Consumer) Close() error {
	c.close()
	return c.CloseErr
}
