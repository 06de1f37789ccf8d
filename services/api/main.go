package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/lnhm-botany/plant-monitor/internal/config"
	"github.com/lnhm-botany/plant-monitor/internal/db"
	"github.com/lnhm-botany/plant-monitor/internal/logging"
	"github.com/lnhm-botany/plant-monitor/internal/metrics"
	"github.com/lnhm-botany/plant-monitor/internal/storage"
	apidb "github.com/lnhm-botany/plant-monitor/services/api/db"
	httpserver "github.com/lnhm-botany/plant-monitor/services/api/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}

	log, closeLog := logging.New(cfg.Log, "api")
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := db.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("db connection error: %v", err)
	}
	defer pool.Close()

	var objects httpserver.ObjectLister
	if err := cfg.ValidateArchive(); err != nil {
		log.WithError(err).Warn("archive storage not configured, archive endpoints disabled")
	} else if objects, err = storage.New(cfg.Archive); err != nil {
		log.Fatalf("archive storage error: %v", err)
	}

	store := apidb.New(pool.Raw(), cfg.Database.Schema)
	srv := httpserver.New(cfg.API, store, objects, metrics.NewAPI(), log)
	log.Infof("REST API listening on %s", cfg.API.ListenAddr())

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
