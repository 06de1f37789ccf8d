package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lnhm-botany/plant-monitor/internal/config"
)

// New builds a JSON logger from the log settings. When a log directory is
// configured, output is also written to <dir>/<prefix>_<unix>.log; a file
// that cannot be opened only degrades logging to stdout.
func New(cfg config.LogConfig, prefix string) (*logrus.Logger, func()) {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	closer := func() {}
	if cfg.Dir == "" {
		return log, closer
	}

	f, err := openLogFile(cfg.Dir, prefix, time.Now())
	if err != nil {
		log.WithError(err).Warn("log file unavailable; logging to stdout only")
		return log, closer
	}
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	return log, func() { _ = f.Close() }
}

func openLogFile(dir, prefix string, now time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := filepath.Join(dir, fmt.Sprintf("%s_%d.log", prefix, now.Unix()))
	return os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
