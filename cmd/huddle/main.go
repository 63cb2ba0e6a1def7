package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/huddle/internal/client/media"
	"github.com/dkeye/huddle/internal/client/mesh"
	"github.com/dkeye/huddle/internal/client/sfu"
	"github.com/dkeye/huddle/internal/client/signaling"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/dkeye/huddle/internal/rtc"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := config.Flags("huddle")
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

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("huddle exited")
	}
	log.Info().Msg("bye")
}

func run(ctx context.Context, cfg *config.Config) error {
	cc := cfg.Client
	clock := clockwork.NewRealClock()

	pipeline := media.NewPipeline(media.Options{
		Capturer:    media.SyntheticCapturer(clock, media.ToneOptions{Talk: 2 * time.Second, Pause: time.Second}, cc.VideoFile),
		ThresholdDB: &cc.VADThresholdDB,
		Clock:       clock,
	})
	pipeline.OnSpeakingChange(func(on bool) {
		log.Info().Str("module", "main").Bool("speaking", on).Msg("voice activity")
	})
	stream, err := pipeline.Start(ctx)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	opts := signaling.Options{URL: cc.URL, Token: cc.Token, ReadLimit: cfg.ReadLimit}
	if cc.Path == config.PathMesh {
		opts.Room = cc.Room
	}
	ch, err := signaling.Dial(ctx, opts)
	if err != nil {
		return err
	}
	defer ch.Close()

	g, ctx := errgroup.WithContext(ctx)
	switch cc.Path {
	case config.PathSFU:
		runSFU(ctx, g, cfg, ch, stream)
	default:
		runMesh(ctx, g, cfg, ch, stream)
	}
	g.Go(func() error {
		<-ctx.Done()
		ch.Close()
		return nil
	})
	return g.Wait()
}

func runMesh(ctx context.Context, g *errgroup.Group, cfg *config.Config, ch *signaling.Channel, stream *media.LocalStream) {
	api, err := rtc.NewAPI(rtc.APIOptions{})
	if err != nil {
		g.Go(func() error { return err })
		return
	}
	reg := mesh.NewRegistry(stream)
	reg.ProvideMediaRef(mesh.LocalClientID, logRenderer{})
	neg := mesh.NewNegotiator(reg, ch, mesh.PionDialer(api, rtc.DefaultConfig(cfg.ICEServers)))
	var mu sync.Mutex
	rendered := map[string]bool{mesh.LocalClientID: true}
	neg.OnClientsChanged(func(clients []string) {
		log.Info().Str("module", "main").Strs("clients", clients).Msg("clients changed")
		mu.Lock()
		defer mu.Unlock()
		next := make(map[string]bool, len(clients))
		for _, id := range clients {
			if !rendered[id] {
				reg.ProvideMediaRef(id, logRenderer{})
			}
			next[id] = true
		}
		rendered = next
	})

	g.Go(func() error {
		defer neg.Close()
		for ev := range ch.Events() {
			if dc, ok := ev.(protocol.ChannelDisconnected); ok {
				return disconnectErr(ctx, dc)
			}
			if err := neg.HandleEvent(ctx, ev); err != nil {
				log.Warn().Str("module", "main").Err(err).Msg("negotiation event")
			}
		}
		return nil
	})
}

func runSFU(ctx context.Context, g *errgroup.Group, cfg *config.Config, ch *signaling.Channel, stream *media.LocalStream) {
	cc := cfg.Client
	s := sfu.NewSession(ch, cc.Room, func() sfu.Device {
		return sfu.NewPionDevice(rtc.ICEServers(cfg.ICEServers), cfg.UDPPortMin, cfg.UDPPortMax)
	}, sfu.Config{
		CapabilitiesTimeout: cc.CapabilitiesTimeout,
		JoinTimeout:         cc.JoinTimeout,
		RetryBaseDelay:      cc.RetryBaseDelay,
		RetryMaxDelay:       cc.RetryMaxDelay,
		MaxRetries:          cc.MaxRetries,
		AutoConsume:         true,
	})
	s.OnRetry(func(attempt int, delay time.Duration) {
		log.Info().Str("module", "main").Int("attempt", attempt).Dur("delay", delay).Msg("sfu retry scheduled")
	})
	s.OnError(func(err error) {
		log.Warn().Str("module", "main").Str("kind", sfu.KindOf(err).String()).Err(err).Msg("sfu error")
	})
	s.OnConsumer(func(c *sfu.Consumer) {
		log.Info().Str("module", "main").Str("consumer", c.ID).Str("producer", c.ProducerID).Str("kind", string(c.Kind)).Msg("consuming")
		go drain(c)
	})

	g.Go(func() error {
		defer s.Close()
		for ev := range ch.Events() {
			switch ev := ev.(type) {
			case protocol.NewProducer:
				go s.HandleEvent(ctx, ev)
			case protocol.ChannelDisconnected:
				s.HandleEvent(ctx, ev)
				return disconnectErr(ctx, ev)
			default:
				s.HandleEvent(ctx, ev)
			}
		}
		return nil
	})

	g.Go(func() error {
		if err := s.InitDevice(ctx); err != nil {
			return err
		}
		if err := s.CreateTransports(ctx); err != nil {
			return err
		}
		for _, track := range stream.Tracks() {
			p, err := s.Produce(ctx, track)
			if err != nil {
				log.Warn().Str("module", "main").Err(err).Str("track", track.ID()).Msg("produce failed")
				continue
			}
			log.Info().Str("module", "main").Str("producer", p.ID).Str("kind", string(p.Kind)).Msg("producing")
		}
		return nil
	})
}

func disconnectErr(ctx context.Context, ev protocol.ChannelDisconnected) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if ev.Err != nil {
		return ev.Err
	}
	return signaling.ErrClosed
}

// drain reads a consumer until it closes, logging the first packet.
func drain(c *sfu.Consumer) {
	if c.Receiver == nil {
		return
	}
	track := c.Receiver.Track()
	if track == nil {
		return
	}
	first := true
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Str("module", "main").Str("consumer", c.ID).Err(err).Msg("consumer ended")
			}
			return
		}
		if first {
			log.Info().Str("module", "main").Str("consumer", c.ID).Uint8("pt", pkt.PayloadType).Msg("first packet")
			first = false
		}
	}
}

// logRenderer stands in for a UI render target.
type logRenderer struct{}

func (logRenderer) AttachLocal(src mesh.TrackSource) {
	log.Info().Str("module", "main").Int("tracks", len(src.Tracks())).Msg("local preview attached")
}

func (logRenderer) AttachRemote(peerID string, audio, video mesh.RemoteTrack) {
	log.Info().Str("module", "main").Str("peer", peerID).Str("audio", audio.ID()).Str("video", video.ID()).Msg("remote peer attached")
}
