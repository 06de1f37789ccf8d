package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/lnhm-botany/plant-monitor/internal/db"
	"github.com/lnhm-botany/plant-monitor/internal/metrics"
	"github.com/lnhm-botany/plant-monitor/internal/models"
	"github.com/lnhm-botany/plant-monitor/internal/plants"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"

	jobName = "watcher"
)

// Fetcher retrieves one snapshot per plant id in 0..n-1.
type Fetcher interface {
	FetchAll(ctx context.Context, n int) []plants.Snapshot
}

// Connector hands out a database session for one run.
type Connector func(ctx context.Context) (db.Session, error)

// Options configure a Runner.
type Options struct {
	PlantCount int
	Schema     string
	DryRun     bool
}

// Result summarises one run.
type Result struct {
	RunID    string  `json:"run_id"`
	Status   string  `json:"status"`
	Fetched  int     `json:"fetched"`
	Accepted int     `json:"accepted"`
	Rejected int     `json:"rejected"`
	Loaded   int64   `json:"loaded"`
	DryRun   bool    `json:"dry_run,omitempty"`
	Seconds  float64 `json:"duration_seconds"`
	Error    string  `json:"error,omitempty"`

	err error
}

// Err returns the error that failed the run, if any.
func (r Result) Err() error { return r.err }

// OK reports whether the run succeeded.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Runner executes the fetch, normalize, resolve and load stages.
type Runner struct {
	opts       Options
	fetcher    Fetcher
	normalizer *Normalizer
	connect    Connector
	log        logrus.FieldLogger
	metrics    *metrics.Metrics
}

// NewRunner builds a Runner.
func NewRunner(opts Options, fetcher Fetcher, connect Connector, log logrus.FieldLogger, m *metrics.Metrics) *Runner {
	return &Runner{
		opts:       opts,
		fetcher:    fetcher,
		normalizer: NewNormalizer(log, m),
		connect:    connect,
		log:        log,
		metrics:    m,
	}
}

// Run performs one full pass. Per-plant fetch failures and rejected snapshots
// do not fail the run; any resolve or load error does, and nothing is
// persisted in that case.
func (r *Runner) Run(ctx context.Context) Result {
	start := time.Now()
	res := Result{RunID: uuid.NewString(), DryRun: r.opts.DryRun}
	log := r.log.WithField("run_id", res.RunID)
	log.WithField("plants", r.opts.PlantCount).Info("run started")

	snaps := r.fetcher.FetchAll(ctx, r.opts.PlantCount)
	readings := r.normalizer.Normalize(snaps)
	res.Fetched = len(snaps)
	res.Accepted = len(readings)
	res.Rejected = len(snaps) - len(readings)

	var err error
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("run interrupted during fetch: %w", ctxErr)
	} else if len(readings) == 0 {
		log.Info("no readings to load")
	} else {
		res.Loaded, err = r.load(ctx, log, readings)
	}

	took := time.Since(start)
	res.Seconds = took.Seconds()
	res.Status = StatusSuccess
	if err != nil {
		res.Status = StatusFailure
		res.Error = err.Error()
		res.err = err
	}
	r.metrics.ObserveRun(jobName, err == nil, took)

	entry := log.WithFields(logrus.Fields{
		"status":   res.Status,
		"fetched":  res.Fetched,
		"accepted": res.Accepted,
		"rejected": res.Rejected,
		"loaded":   res.Loaded,
		"duration": took.String(),
	})
	if err != nil {
		entry.WithError(err).Error("run failed")
	} else {
		entry.Info("run finished")
	}
	return res
}

// load resolves and inserts readings in one transaction on one session. The
// session is released on every path.
func (r *Runner) load(ctx context.Context, log logrus.FieldLogger, readings []models.Reading) (int64, error) {
	sess, err := r.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer sess.Release()

	tx, err := sess.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}

	resolved, err := db.ResolveBotanists(ctx, tx, r.opts.Schema, readings)
	if err != nil {
		rollback(ctx, tx, log)
		var unknown *db.UnknownBotanistError
		if errors.As(err, &unknown) {
			log.WithField("email", unknown.Email).Error("reading references unknown botanist")
		}
		return 0, fmt.Errorf("resolve botanists: %w", err)
	}

	n, err := db.InsertReadings(ctx, tx, r.opts.Schema, resolved)
	if err != nil {
		rollback(ctx, tx, log)
		return 0, fmt.Errorf("insert readings: %w", err)
	}

	if r.opts.DryRun {
		rollback(ctx, tx, log)
		log.WithField("readings", n).Info("dry-run: rolled back insert")
		return 0, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit readings: %w", err)
	}
	r.metrics.ReadingsLoaded.Add(float64(n))
	return n, nil
}

func rollback(ctx context.Context, tx pgx.Tx, log logrus.FieldLogger) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		log.WithError(err).Warn("rollback failed")
	}
}
