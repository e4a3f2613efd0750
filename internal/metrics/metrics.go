// Package metrics exposes server gauges and counters over a separate
// Prometheus endpoint. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

type Config struct {
	Port int
	Path string
}

const (
	DefaultPort = 9090
	DefaultPath = "/metrics"
)

type Metrics struct {
	httpServer *http.Server
	config     Config
	registry   *prometheus.Registry

	signalConnections prometheus.Gauge
	rooms             prometheus.Gauge
	peers             prometheus.Gauge
	workersAlive      prometheus.Gauge
	workerDeaths      prometheus.Counter
	producers         prometheus.Counter
	consumers         prometheus.Counter
	eventsDropped     prometheus.Counter
	signalMessages    *prometheus.CounterVec
	cpuUsage          prometheus.Gauge
	memoryUsage       prometheus.Gauge
}

func New(config Config) *Metrics {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Path == "" {
		config.Path = DefaultPath
	}
	m := &Metrics{
		config:   config,
		registry: prometheus.NewRegistry(),
		signalConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meet_signal_connections",
			Help: "Current number of signaling websocket connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meet_rooms",
			Help: "Current number of open rooms.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meet_peers",
			Help: "Current number of joined peers across all rooms.",
		}),
		workersAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meet_media_workers_alive",
			Help: "Media workers able to host new rooms.",
		}),
		workerDeaths: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meet_media_worker_deaths_total",
			Help: "Media workers that died.",
		}),
		producers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meet_producers_created_total",
			Help: "Producers created.",
		}),
		consumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meet_consumers_created_total",
			Help: "Consumers created.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meet_events_dropped_total",
			Help: "Events refused by a full outbound queue.",
		}),
		signalMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meet_signal_messages_total",
			Help: "Inbound signaling messages by event name.",
		}, []string{"event"}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meet_cpu_usage_percentage",
			Help: "Host CPU usage percentage.",
		}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meet_memory_used_bytes",
			Help: "Host memory in use.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.signalConnections, m.rooms, m.peers, m.workersAlive, m.workerDeaths,
		m.producers, m.consumers, m.eventsDropped, m.signalMessages,
		m.cpuUsage, m.memoryUsage,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Start serves the metrics endpoint in the background.
func (m *Metrics) Start() {
	if m == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	m.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", m.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("module", "metrics").Int("port", m.config.Port).Str("path", m.config.Path).Msg("starting metrics server")
		if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("module", "metrics").Msg("metrics server failed")
		}
	}()
}

func (m *Metrics) Stop(ctx context.Context) error {
	if m == nil || m.httpServer == nil {
		return nil
	}
	log.Info().Str("module", "metrics").Int("port", m.config.Port).Msg("stopping metrics server")
	return m.httpServer.Shutdown(ctx)
}

// RunSystemSampler samples host cpu and memory every interval until ctx is done.
func (m *Metrics) RunSystemSampler(ctx context.Context, interval time.Duration) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.SampleSystem(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Metrics) SampleSystem(ctx context.Context) {
	if m == nil {
		return
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		m.cpuUsage.Set(pct[0])
	} else if err != nil {
		log.Debug().Err(err).Str("module", "metrics").Msg("sample cpu")
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.memoryUsage.Set(float64(vm.Used))
	} else {
		log.Debug().Err(err).Str("module", "metrics").Msg("sample memory")
	}
}

func (m *Metrics) SignalConnected() {
	if m != nil {
		m.signalConnections.Inc()
	}
}

func (m *Metrics) SignalDisconnected() {
	if m != nil {
		m.signalConnections.Dec()
	}
}

func (m *Metrics) SignalMessage(event string) {
	if m != nil {
		m.signalMessages.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.rooms.Dec()
	}
}

func (m *Metrics) PeerJoined() {
	if m != nil {
		m.peers.Inc()
	}
}

func (m *Metrics) PeerLeft() {
	if m != nil {
		m.peers.Dec()
	}
}

func (m *Metrics) SetWorkersAlive(n int) {
	if m != nil {
		m.workersAlive.Set(float64(n))
	}
}

func (m *Metrics) WorkerDied() {
	if m != nil {
		m.workerDeaths.Inc()
	}
}

func (m *Metrics) ProducerCreated() {
	if m != nil {
		m.producers.Inc()
	}
}

func (m *Metrics) ConsumerCreated() {
	if m != nil {
		m.consumers.Inc()
	}
}

func (m *Metrics) EventDropped() {
	if m != nil {
		m.eventsDropped.Inc()
	}
}
