package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperjiang/timewheel/v2"
	"github.com/hyperjiang/timewheel/v2/task"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to wheel yaml config (defaults when empty)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	var cfg timewheel.Config
	if cfgPath != "" {
		c, err := timewheel.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		cfg = c
	}
	log := timewheel.NewConsoleLogger(cfg.LogLevel)

	// The process-wide wheel. Everything below shares it.
	wheel, err := timewheel.New(append(cfg.Options(), timewheel.WithLogger(log))...)
	if err != nil {
		return err
	}
	wheel.Start()
	defer func() {
		wheel.Stop()
		<-wheel.Done()
	}()

	heartbeat, err := task.New(wheel, func(_ context.Context, t *task.Task) (any, error) {
		log.Info().Int("count", t.Count()+1).Msg("heartbeat")
		return nil, nil
	}, task.WithName("heartbeat"), task.WithEvery(task.Every{S: 1}), task.WithImmediately())
	if err != nil {
		return err
	}
	if err := heartbeat.Times(5); err != nil {
		return err
	}

	attempts := 0
	probe, err := task.New(wheel, func(context.Context, *task.Task) (any, error) {
		attempts++
		if attempts < 4 {
			return nil, errors.New("not ready")
		}
		return "ready", nil
	}, task.WithName("probe"), task.WithInterval(200*time.Millisecond))
	if err != nil {
		return err
	}
	probe.OnError(func(s task.Snapshot) {
		log.Debug().Err(s.Err).Int("count", s.Count).Msg("probe retry")
	})
	if err := probe.UntilResult(true); err != nil {
		return err
	}

	clock, err := task.New(wheel, func(context.Context, *task.Task) (any, error) {
		log.Info().Msg("on the second")
		return nil, nil
	}, task.WithName("clock"))
	if err != nil {
		return err
	}
	if err := clock.Cron("*/2 * * * * *"); err != nil {
		return err
	}
	if err := clock.Watch(100*time.Millisecond, func(t *task.Task) bool {
		return t.Elapsed() > 7*time.Second
	}); err != nil {
		return err
	}

	for _, t := range []*task.Task{heartbeat, probe, clock} {
		res, err := t.Wait(ctx)
		lvl := zerolog.InfoLevel
		if err != nil {
			lvl = zerolog.WarnLevel
		}
		log.WithLevel(lvl).Err(err).
			Str("task", t.Name()).
			Int("count", t.Count()).
			Interface("result", res).
			Msg("task finished")
	}

	stats := wheel.Stats()
	arr := zerolog.Arr()
	for _, s := range stats {
		arr.Dict(zerolog.Dict().Dur("slot", s.Slot).Int("pending", s.Pending))
	}
	log.Info().Array("blocks", arr).Msg("wheel state")
	return nil
}
