package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/huddle/internal/adapters/http"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/app/sfu"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/metrics"
	"github.com/dkeye/huddle/internal/rtc"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := config.Flags("relay")
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("bad flags")
	}
	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sfuRouter, err := sfu.NewRouter(sfu.RouterOptions{
		ICEServers: rtc.ICEServers(cfg.ICEServers),
		UDPPortMin: cfg.UDPPortMin,
		UDPPortMax: cfg.UDPPortMax,
		Metrics:    m,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("sfu router")
	}
	defer sfuRouter.Close()

	rooms := app.NewRoomManager(cfg.MaxRoomPeers)
	m.RegisterRooms(reg, func() float64 { return float64(len(rooms.List())) })

	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    rooms,
		Policy:   app.NewStrikePolicy(cfg.SlowStrikes),
		Router:   sfuRouter,
		Metrics:  m,
	}

	r := router.SetupRouter(ctx, cfg, o, m, reg)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("huddle relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
