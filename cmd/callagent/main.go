package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/adapters/devices"
	"github.com/dkeye/Call/internal/adapters/directory"
	router "github.com/dkeye/Call/internal/adapters/http"
	"github.com/dkeye/Call/internal/adapters/mqtt"
	"github.com/dkeye/Call/internal/adapters/rtc"
	wsignal "github.com/dkeye/Call/internal/adapters/signal"
	"github.com/dkeye/Call/internal/app"
	"github.com/dkeye/Call/internal/app/orch"
	"github.com/dkeye/Call/internal/config"
	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
	"github.com/dkeye/Call/pkg/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	tp, err := telemetry.InitTracer(ctx, "callagent", cfg.Telemetry.Endpoint)
	if err != nil {
		log.Error().Err(err).Msg("telemetry disabled")
	}

	capture, err := devices.NewCapture(devices.Config{
		MaxWidth:     cfg.Capture.MaxWidth,
		MaxHeight:    cfg.Capture.MaxHeight,
		VideoBitRate: cfg.Capture.VideoBitRate,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("media capture unavailable")
	}

	var dir core.Directory
	if cfg.Directory.URL != "" {
		client, err := directory.NewClient(directory.Config{
			BaseURL:   cfg.Directory.URL,
			Timeout:   cfg.Directory.Timeout,
			CacheTTL:  cfg.Directory.CacheTTL,
			CacheSize: cfg.Directory.CacheSize,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("directory")
		}
		dir = client
	}

	engineCfg := rtc.DefaultConfig()
	engineCfg.ICEServers = cfg.Engine.ICEServers
	engineCfg.ICEDisconnectedTimeout = cfg.Engine.ICEDisconnectedTimeout
	engineCfg.ICEFailedTimeout = cfg.Engine.ICEFailedTimeout
	engineCfg.ICEKeepalive = cfg.Engine.ICEKeepalive
	engineCfg.Codecs = capture.Populate
	newEngine := rtc.Factory(engineCfg)

	factory := func(session domain.Session, _ string) (orch.Deps, error) {
		bridge, err := newBridge(cfg)
		if err != nil {
			return orch.Deps{}, err
		}
		return orch.Deps{
			Bridge:        bridge,
			Engine:        newEngine(bridge),
			Devices:       capture,
			Directory:     dir,
			Settle:        app.EngineAck{Max: cfg.Engine.SettleDelay},
			ReadyTimeout:  cfg.Signal.ReadyTimeout,
			Tick:          cfg.Clock.Tick,
			LookupTimeout: cfg.Directory.Timeout,
		}, nil
	}
	manager := orch.NewManager(ctx, factory)

	r := router.SetupRouter(ctx, router.Options{
		Mode:       cfg.Mode,
		Secret:     cfg.Secret,
		StaticPath: cfg.StaticPath,
		PingPeriod: cfg.Signal.PingPeriod,
	}, manager)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("transport", cfg.Signal.Transport).Msg("call agent started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	manager.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := telemetry.Shutdown(shutdownCtx, tp); err != nil {
		log.Error().Err(err).Msg("telemetry flush")
	}
	log.Info().Msg("Server exited gracefully")
}

func newBridge(cfg *config.Config) (core.SignalBridge, error) {
	switch cfg.Signal.Transport {
	case "ws":
		return wsignal.NewBridge(wsignal.Config{
			URL:        cfg.Signal.URL,
			PingPeriod: cfg.Signal.PingPeriod,
		}), nil
	case "mqtt":
		return mqtt.NewBridge(mqtt.Config{
			Broker:       cfg.MQTT.Broker,
			ClientPrefix: cfg.MQTT.ClientPrefix,
		}), nil
	default:
		return nil, fmt.Errorf("unknown signal transport %q", cfg.Signal.Transport)
	}
}
