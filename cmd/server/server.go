package main

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"hati/internal/api"
	"hati/internal/config"
	"hati/internal/driver"
	"hati/internal/engine"
	"hati/internal/generator"
	"hati/internal/journal"
	"hati/internal/net"
	"hati/internal/publish"
	"hati/internal/snapshot"
	"hati/internal/utils"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

func main() {
	envPath := flag.String("env", "", "Path to a .env file (defaults to ./.env)")
	flag.Parse()

	cfg := config.LoadFromEnv(*envPath)
	if err := utils.SetupLogging(cfg.Log.Level, cfg.Log.Pretty); err != nil {
		log.Fatal().Err(err).Msg("unable to set up logging")
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("exchange stopped with error")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	clock := utils.RealClock{}

	// Setup the matching engine and the TCP gateway feeding it.
	eng := engine.New()
	srv := net.New(cfg.Server.TCPAddress, cfg.Server.TCPPort, eng, clock)
	reporters := []engine.Reporter{srv}

	// Optional fill sinks.
	var fills api.FillSource
	if cfg.Sinks.JournalDir != "" {
		j, err := journal.Open(cfg.Sinks.JournalDir, nil)
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				log.Error().Err(err).Msg("unable to close journal")
			}
		}()
		reporters = append(reporters, j)
		fills = j
	}
	if len(cfg.Sinks.KafkaBrokers) > 0 {
		p := publish.NewPublisher(cfg.Sinks.KafkaBrokers, cfg.Sinks.KafkaTopic)
		defer func() {
			if err := p.Close(); err != nil {
				log.Error().Err(err).Msg("unable to close publisher")
			}
		}()
		reporters = append(reporters, p)
	}
	eng.SetReporter(reporters...)

	recorder := snapshot.NewRecorder(eng, clock, cfg.SnapshotHistory)

	var source driver.Source
	if cfg.Simulation.Enabled {
		seed := cfg.Simulation.Seed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		synth, err := generator.New(cfg.Simulation.Generator, clock, seed)
		if err != nil {
			return err
		}
		log.Info().Uint64("seed", seed).Msg("order synthesizer enabled")
		source = synth
	}
	drv := driver.New(cfg.Driver, eng, source, recorder, clock)

	t, ctx := tomb.WithContext(ctx)
	t.Go(func() error {
		return srv.Run(ctx)
	})
	if cfg.Server.HTTPAddress != "" {
		httpServer := api.NewServer(eng, recorder, fills, api.Options{
			AllowedOrigins: cfg.Server.CORSOrigins,
			StreamInterval: cfg.StreamInterval,
		})
		t.Go(func() error {
			return httpServer.Run(ctx, cfg.Server.HTTPAddress)
		})
	}
	t.Go(func() error {
		if err := drv.Run(ctx); err != nil {
			return err
		}
		// A bounded run takes the whole process down with it.
		t.Kill(nil)
		return nil
	})

	err := t.Wait()
	report(eng, recorder, drv)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// report logs the final state of the book once nothing touches it anymore.
func report(eng *engine.Engine, recorder *snapshot.Recorder, drv *driver.Driver) {
	view := eng.Snapshot()
	summary := recorder.Summary()
	stats := drv.Stats()

	log.Info().
		Str("run", drv.ID()).
		Uint64("placed", stats.Placed).
		Uint64("fills", stats.Fills).
		Uint64("volume", stats.Volume).
		Uint64("snapshots", summary.Recorded).
		Int("bid levels", len(view.Bids)).
		Int("ask levels", len(view.Asks)).
		Uint64("resting buys", view.Buy.Orders).
		Uint64("resting sells", view.Sell.Orders).
		Msg("final book")

	for _, level := range view.Bids {
		for _, order := range level.Orders {
			log.Debug().Str("order", order.String()).Msg("resting bid")
		}
	}
	for _, level := range view.Asks {
		for _, order := range level.Orders {
			log.Debug().Str("order", order.String()).Msg("resting ask")
		}
	}
}
