package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	router "github.com/dkeye/Meet/internal/adapters/http"
	"github.com/dkeye/Meet/internal/adapters/recording"
	"github.com/dkeye/Meet/internal/adapters/rtc"
	sig "github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

func newRootCmd() *cobra.Command {
	var cfg *config.Config
	cmd := &cobra.Command{
		Use:   "meet",
		Short: "Meet SFU signaling server",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cfg, err = config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			setupLogger(cfg.LogLevel, cfg.Mode)
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.String("config", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	f.Int("port", 5000, "https listen port")
	f.String("mode", "release", "gin mode: debug, release or test")
	f.String("log-level", "info", "log level")
	f.String("cert", "", "tls certificate file")
	f.String("key", "", "tls key file")
	f.Int("workers", 0, "media workers (0 means one per cpu)")
	f.Bool("metrics", true, "serve prometheus metrics")
	return cmd
}

func setupLogger(level, mode string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if mode == "debug" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	workers := make([]core.Worker, 0, cfg.Media.NumWorkers)
	for i := 0; i < cfg.Media.NumWorkers; i++ {
		w, err := rtc.NewWorker(rtc.WorkerOptionsFromConfig(cfg.Media))
		if err != nil {
			for _, started := range workers {
				_ = started.Close()
			}
			return fmt.Errorf("start media worker: %w", err)
		}
		workers = append(workers, w)
	}
	pool := app.NewWorkerPool(workers)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(metrics.Config{Port: cfg.Metrics.Port, Path: cfg.Metrics.Path})
		m.Start()
		if cfg.Metrics.SystemInterval > 0 {
			go m.RunSystemSampler(ctx, cfg.Metrics.SystemInterval)
		}
	}
	m.SetWorkersAlive(pool.Alive())

	serviceNames := make(map[string]struct{}, len(cfg.Rooms.ServiceNames))
	for _, n := range cfg.Rooms.ServiceNames {
		serviceNames[n] = struct{}{}
	}
	o := &orch.Orchestrator{
		Registry:     app.NewRegistry(),
		Pool:         pool,
		Policy:       app.SimplePolicy{},
		Metrics:      m,
		ServiceNames: serviceNames,
	}
	if cfg.Recording.BaseURL != "" {
		o.Recorder = recording.NewClient(recording.Config{BaseURL: cfg.Recording.BaseURL, Timeout: cfg.Recording.Timeout})
	}
	o.Rooms = app.NewRoomManager(app.RoomManagerConfig{
		Pool:      pool,
		Codecs:    rtc.CodecCapabilities(cfg.Media.Codecs),
		Transport: rtc.TransportOptionsFromConfig(cfg.Media),
		EmptyTTL:  cfg.Rooms.EmptyTTL,
		OnDropped: o.OnDropped,
		Metrics:   m,
	})

	go pool.Watch(ctx, o.OnWorkerDied)
	if cfg.Rooms.SweepInterval > 0 {
		go o.Rooms.RunSweeper(ctx, cfg.Rooms.SweepInterval)
	}

	ctl := sig.NewSignalWSController(o, sig.Options{
		Origins:       cfg.Origins,
		SendBuffer:    cfg.SendBuffer,
		ReadLimit:     cfg.ReadLimit,
		PingPeriod:    cfg.PingPeriod,
		MessageLimit:  cfg.Rooms.MessageLimit,
		MessageWindow: cfg.Rooms.MessageWindow,
		Metrics:       m,
	})
	r := router.SetupRouter(ctx, cfg, o, ctl)
	addr := fmt.Sprintf("%s:%d", cfg.ListenIP, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Int("workers", len(workers)).Bool("tls", cfg.CertFile != "").Msg("Meet server started")
		var err error
		if cfg.CertFile != "" {
			err = srv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("server error")
	}

	cancel()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	o.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := pool.Close(); err != nil {
		log.Warn().Err(err).Msg("close media workers")
	}
	if err := m.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("stop metrics")
	}
	log.Info().Msg("Server exited gracefully")
	return serveErr
}
