package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/lnhm-botany/plant-monitor/internal/archive"
	"github.com/lnhm-botany/plant-monitor/internal/config"
	"github.com/lnhm-botany/plant-monitor/internal/db"
	"github.com/lnhm-botany/plant-monitor/internal/logging"
	"github.com/lnhm-botany/plant-monitor/internal/metrics"
	"github.com/lnhm-botany/plant-monitor/internal/schedule"
	"github.com/lnhm-botany/plant-monitor/internal/storage"
)

const jobName = "archiver"

func main() {
	app := &cli.App{
		Name:  "archiver",
		Usage: "copy museum tables to object storage as CSV",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "date",
				Usage: "archive date as YYYY-MM-DD (default: today in ARCHIVE_TIMEZONE)",
			},
			&cli.BoolFlag{
				Name:  "truncate",
				Usage: "delete all reading rows once the reading table is uploaded",
			},
			&cli.StringSliceFlag{
				Name:  "tables",
				Usage: "tables to archive, in order (overrides ARCHIVE_TABLES)",
			},
			&cli.DurationFlag{
				Name:  "every",
				Usage: "keep running and repeat the archive at this interval",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatalf("archiver failed: %v", err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateArchive(); err != nil {
		return err
	}
	loc, err := time.LoadLocation(cfg.Archive.Timezone)
	if err != nil {
		return err
	}

	tables := cfg.Archive.Tables
	if c.IsSet("tables") {
		tables = c.StringSlice("tables")
	}

	var fixedDate *time.Time
	if c.IsSet("date") {
		if c.IsSet("every") {
			return errors.New("--date cannot be combined with --every")
		}
		d, err := time.ParseInLocation(archive.DateLayout, c.String("date"), loc)
		if err != nil {
			return fmt.Errorf("invalid --date: %w", err)
		}
		fixedDate = &d
	}

	log, closeLog := logging.New(cfg.Log, "archive")
	defer closeLog()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	uploader, err := storage.New(cfg.Archive)
	if err != nil {
		return err
	}
	pool, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	m := metrics.New()
	archiver := archive.New(archive.Options{
		Schema:       cfg.Database.Schema,
		ReadingTable: cfg.Archive.ReadingTable,
		WorkDir:      cfg.Archive.WorkDir,
		VerifyUpload: cfg.Archive.VerifyUpload,
	}, pool.Acquire, uploader, log, m)
	opts := archive.RunOptions{Truncate: c.Bool("truncate")}

	once := func(ctx context.Context) error {
		asOf := time.Now().In(loc)
		if fixedDate != nil {
			asOf = *fixedDate
		}
		rep := archiver.Archive(ctx, tables, asOf, opts)
		printJSON(log, rep)
		pushMetrics(ctx, log, m, cfg.PushgatewayURL)
		return rep.Err()
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
		log.WithError(err).Warn("write report")
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
