package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/lnhm-botany/plant-monitor/internal/config"
	"github.com/lnhm-botany/plant-monitor/internal/db"
	"github.com/lnhm-botany/plant-monitor/internal/logging"
	"github.com/lnhm-botany/plant-monitor/internal/metrics"
	"github.com/lnhm-botany/plant-monitor/internal/pipeline"
	"github.com/lnhm-botany/plant-monitor/internal/plants"
	"github.com/lnhm-botany/plant-monitor/internal/schedule"
)

const jobName = "watcher"

func main() {
	app := &cli.App{
		Name:  "watcher",
		Usage: "fetch plant sensor readings and load them into the museum database",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "every",
				Usage: "keep running and repeat the load at this interval",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "resolve and insert inside the transaction, then roll back",
			},
			&cli.IntFlag{
				Name:  "plants",
				Usage: "number of plant ids to fetch, starting at 0",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatalf("watcher failed: %v", err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.IsSet("dry-run") {
		cfg.DryRun = c.Bool("dry-run")
	}
	if c.IsSet("plants") {
		if c.Int("plants") < 1 {
			return fmt.Errorf("--plants must be at least 1, got %d", c.Int("plants"))
		}
		cfg.Source.PlantCount = c.Int("plants")
	}

	log, closeLog := logging.New(cfg.Log, "pipeline")
	defer closeLog()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	m := metrics.New()
	client := plants.NewClient(&http.Client{}, cfg.Source, log, m)
	runner := pipeline.NewRunner(pipeline.Options{
		PlantCount: cfg.Source.PlantCount,
		Schema:     cfg.Database.Schema,
		DryRun:     cfg.DryRun,
	}, client, pool.Acquire, log, m)

	once := func(ctx context.Context) error {
		res := runner.Run(ctx)
		printJSON(log, res)
		pushMetrics(ctx, log, m, cfg.PushgatewayURL)
		return res.Err()
	}

	if every := c.Duration("every"); every > 0 {
		return schedule.Run(ctx, every, log, func(ctx context.Context) { _ = once(ctx) })
	}
	return once(ctx)
}

func printJSON(log logrus.FieldLogger, v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.WithError(err).Warn("write result")
	}
}

func pushMetrics(ctx context.Context, log logrus.FieldLogger, m *metrics.Metrics, gatewayURL string) {
	if gatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.Push(ctx, gatewayURL, jobName); err != nil {
		log.WithError(err).Warn("push metrics failed")
	}
}
