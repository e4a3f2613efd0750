// Package rtc is the media engine: workers, routers and WebRTC transports
// built on the pion ORTC API.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/core"
)

const tcpMuxReadBuffer = 8

type WorkerOptions struct {
	MinPort   uint16
	MaxPort   uint16
	ListenIPs []core.ListenIP
	EnableUDP bool
	EnableTCP bool
}

func WorkerOptionsFromConfig(m config.Media) WorkerOptions {
	return WorkerOptions{
		MinPort:   m.RtcMinPort,
		MaxPort:   m.RtcMaxPort,
		ListenIPs: ListenIPs(m.ListenIPs),
		EnableUDP: m.EnableUDP,
		EnableTCP: m.EnableTCP,
	}
}

func ListenIPs(in []config.ListenIP) []core.ListenIP {
	out := make([]core.ListenIP, 0, len(in))
	for _, ip := range in {
		out = append(out, core.ListenIP{IP: ip.IP, AnnouncedIP: ip.AnnouncedIP})
	}
	return out
}

// TransportOptionsFromConfig builds the room-wide transport options.
func TransportOptionsFromConfig(m config.Media) core.TransportOptions {
	return core.TransportOptions{
		ListenIPs:                       ListenIPs(m.ListenIPs),
		EnableUDP:                       m.EnableUDP,
		EnableTCP:                       m.EnableTCP,
		PreferUDP:                       m.PreferUDP,
		EnableSctp:                      m.MaxSctpMessageSize > 0,
		InitialAvailableOutgoingBitrate: m.InitialAvailableOutgoingBitrate,
		MinimumAvailableOutgoingBitrate: m.MinimumAvailableOutgoingBitrate,
		MaxIncomingBitrate:              m.MaxIncomingBitrate,
		MaxSctpMessageSize:              m.MaxSctpMessageSize,
	}
}

// Worker holds the network settings shared by its routers. It runs in
// process, so it dies only when closed.
type Worker struct {
	id    core.WorkerID
	se    webrtc.SettingEngine
	tcpLn net.Listener

	died chan struct{}
	once sync.Once

	mu      sync.Mutex
	routers map[string]*Router
}

func NewWorker(opts WorkerOptions) (*Worker, error) {
	w := &Worker{
		id:      core.WorkerID(uuid.NewString()),
		died:    make(chan struct{}),
		routers: make(map[string]*Router),
	}
	if err := w.configure(opts); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "rtc.worker").
		Str("worker", string(w.id)).
		Uint16("min_port", opts.MinPort).
		Uint16("max_port", opts.MaxPort).
		Bool("udp", opts.EnableUDP).
		Bool("tcp", opts.EnableTCP).
		Msg("worker started")
	return w, nil
}

func (w *Worker) configure(opts WorkerOptions) error {
	w.se.SetLite(true)
	if opts.MinPort != 0 {
		if err := w.se.SetEphemeralUDPPortRange(opts.MinPort, opts.MaxPort); err != nil {
			return fmt.Errorf("rtc port range: %w", err)
		}
	}

	var (
		announced []string
		allowed   []net.IP
	)
	for _, l := range opts.ListenIPs {
		ip := net.ParseIP(l.IP)
		bound := ip != nil && !ip.IsUnspecified()
		if bound {
			allowed = append(allowed, ip)
		}
		switch {
		case l.AnnouncedIP == "":
		case bound:
			announced = append(announced, l.AnnouncedIP+"/"+l.IP)
		default:
			announced = append(announced, l.AnnouncedIP)
		}
	}
	if len(announced) > 0 {
		w.se.SetNAT1To1IPs(announced, webrtc.ICECandidateTypeHost)
	}
	if len(allowed) > 0 {
		w.se.SetIPFilter(func(ip net.IP) bool {
			for _, a := range allowed {
				if a.Equal(ip) {
					return true
				}
			}
			return false
		})
	}

	var networks []webrtc.NetworkType
	if opts.EnableUDP {
		networks = append(networks, webrtc.NetworkTypeUDP4)
	}
	if opts.EnableTCP {
		networks = append(networks, webrtc.NetworkTypeTCP4)
		host := ""
		if len(allowed) > 0 {
			host = allowed[0].String()
		}
		ln, err := net.Listen("tcp4", net.JoinHostPort(host, "0"))
		if err != nil {
			return fmt.Errorf("ice tcp listener: %w", err)
		}
		w.tcpLn = ln
		w.se.SetICETCPMux(webrtc.NewICETCPMux(nil, ln, tcpMuxReadBuffer))
	}
	w.se.SetNetworkTypes(networks)
	return nil
}

func (w *Worker) ID() core.WorkerID     { return w.id }
func (w *Worker) Died() <-chan struct{} { return w.died }

func (w *Worker) alive() bool {
	select {
	case <-w.died:
		return false
	default:
		return true
	}
}

// CreateRouter builds a router with its own media engine and interceptors.
func (w *Worker) CreateRouter(ctx context.Context, codecs []core.RtpCodecCapability) (core.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !w.alive() {
		return nil, ErrWorkerClosed
	}
	caps, err := routerCapabilities(codecs)
	if err != nil {
		return nil, err
	}
	m, err := newMediaEngine(caps)
	if err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("default interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("pli interceptor: %w", err)
	}
	ir.Add(pli)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(w.se),
		webrtc.WithInterceptorRegistry(ir),
	)
	r := newRouter(w, api, caps)

	w.mu.Lock()
	if !w.alive() {
		w.mu.Unlock()
		return nil, ErrWorkerClosed
	}
	w.routers[r.id] = r
	w.mu.Unlock()

	log.Info().Str("module", "rtc.worker").Str("worker", string(w.id)).Str("router", r.id).Int("codecs", len(caps.Codecs)).Msg("router created")
	return r, nil
}

func (w *Worker) forget(routerID string) {
	w.mu.Lock()
	delete(w.routers, routerID)
	w.mu.Unlock()
}

// RouterCount is the number of open routers.
func (w *Worker) RouterCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.routers)
}

func (w *Worker) Close() error {
	var err error
	w.once.Do(func() {
		w.mu.Lock()
		close(w.died)
		routers := make([]*Router, 0, len(w.routers))
		for _, r := range w.routers {
			routers = append(routers, r)
		}
		w.mu.Unlock()

		var errs []error
		for _, r := range routers {
			errs = append(errs, r.Close())
		}
		if w.tcpLn != nil {
			errs = append(errs, w.tcpLn.Close())
		}
		err = errors.Join(errs...)
		log.Info().Str("module", "rtc.worker").Str("worker", string(w.id)).Msg("worker closed")
	})
	return err
}
