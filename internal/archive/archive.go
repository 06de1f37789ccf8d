package archive

import (
	"context"
	"database/sql/driver"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/lnhm-botany/plant-monitor/internal/db"
	"github.com/lnhm-botany/plant-monitor/internal/metrics"
	"github.com/lnhm-botany/plant-monitor/internal/storage"
)

const (
	StatusUploaded = "uploaded"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"

	StatusSuccess = "success"
	StatusFailure = "failure"

	DateLayout = "2006-01-02"

	jobName = "archiver"
)

// ErrTruncateRefused is returned when truncation was requested but the
// reading table was not confirmed uploaded in the same pass.
var ErrTruncateRefused = errors.New("truncate refused")

// Connector hands out a database session for one pass.
type Connector func(ctx context.Context) (db.Session, error)

// Options configure an Archiver.
type Options struct {
	Schema       string
	ReadingTable string
	WorkDir      string
	VerifyUpload bool
}

// RunOptions configure a single pass.
type RunOptions struct {
	// Truncate deletes every reading row once the reading table is uploaded.
	Truncate bool
}

// TableResult is the outcome for one table.
type TableResult struct {
	Table  string `json:"table"`
	Key    string `json:"key,omitempty"`
	Rows   int64  `json:"rows"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report summarises one archive pass.
type Report struct {
	RunID         string        `json:"run_id"`
	Date          string        `json:"date"`
	Status        string        `json:"status"`
	Tables        []TableResult `json:"tables"`
	Truncated     bool          `json:"truncated"`
	TruncatedRows int64         `json:"truncated_rows,omitempty"`
	Seconds       float64       `json:"duration_seconds"`
	Error         string        `json:"error,omitempty"`

	err error
}

// Err returns the error that failed the pass, if any.
func (r Report) Err() error { return r.err }

// OK reports whether the pass succeeded.
func (r Report) OK() bool { return r.Status == StatusSuccess }

// Table returns the result for a table.
func (r Report) Table(name string) (TableResult, bool) {
	return lo.Find(r.Tables, func(t TableResult) bool { return t.Table == name })
}

// Archiver copies whole tables into object storage as CSV files.
type Archiver struct {
	opts     Options
	connect  Connector
	uploader storage.Uploader
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
}

// New builds an Archiver.
func New(opts Options, connect Connector, uploader storage.Uploader, log logrus.FieldLogger, m *metrics.Metrics) *Archiver {
	return &Archiver{opts: opts, connect: connect, uploader: uploader, log: log, metrics: m}
}

// Key returns the object key for a table archived on date.
func (a *Archiver) Key(table string, asOf time.Time) string {
	if table == a.opts.ReadingTable {
		return fmt.Sprintf("readings/%s/%s.csv", asOf.Format(DateLayout), table)
	}
	return fmt.Sprintf("metadata/%s.csv", table)
}

// Archive snapshots tables, in order and without duplicates, inside one
// repeatable-read transaction and uploads each non-empty one. Upload
// failures do not stop later tables. Truncation runs in the same
// transaction and only after the reading table is uploaded.
func (a *Archiver) Archive(ctx context.Context, tables []string, asOf time.Time, opts RunOptions) Report {
	start := time.Now()
	rep := Report{RunID: uuid.NewString(), Date: asOf.Format(DateLayout)}
	log := a.log.WithFields(logrus.Fields{"run_id": rep.RunID, "date": rep.Date})

	tables = lo.Uniq(lo.Compact(tables))
	log.WithFields(logrus.Fields{"tables": strings.Join(tables, ","), "truncate": opts.Truncate}).Info("archive started")

	err := a.run(ctx, log, tables, asOf, opts, &rep)
	if err == nil {
		if failed := lo.Filter(rep.Tables, func(t TableResult, _ int) bool { return t.Status == StatusFailed }); len(failed) > 0 {
			names := lo.Map(failed, func(t TableResult, _ int) string { return t.Table })
			err = fmt.Errorf("archive failed for tables: %s", strings.Join(names, ", "))
		}
	}

	took := time.Since(start)
	rep.Seconds = took.Seconds()
	rep.Status = StatusSuccess
	if err != nil {
		rep.Status = StatusFailure
		rep.Error = err.Error()
		rep.err = err
	}
	a.metrics.ObserveRun(jobName, err == nil, took)

	entry := log.WithFields(logrus.Fields{
		"status":    rep.Status,
		"truncated": rep.Truncated,
		"duration":  took.String(),
	})
	if err != nil {
		entry.WithError(err).Error("archive failed")
	} else {
		entry.Info("archive finished")
	}
	return rep
}

func (a *Archiver) run(ctx context.Context, log logrus.FieldLogger, tables []string, asOf time.Time, opts RunOptions, rep *Report) error {
	dir, err := os.MkdirTemp(a.opts.WorkDir, "archive-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	sess, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Release()

	tx, err := sess.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	for _, table := range tables {
		res, err := a.archiveTable(ctx, log, tx, dir, table, asOf)
		if err != nil {
			rollback(ctx, tx, log)
			return err
		}
		rep.Tables = append(rep.Tables, res)
	}

	if opts.Truncate {
		n, err := a.truncate(ctx, tx, *rep)
		if err != nil {
			rollback(ctx, tx, log)
			return err
		}
		rep.TruncatedRows = n
	}

	if err := tx.Commit(ctx); err != nil {
		rep.TruncatedRows = 0
		return fmt.Errorf("commit archive transaction: %w", err)
	}
	if opts.Truncate {
		rep.Truncated = true
		log.WithFields(logrus.Fields{"table": a.opts.ReadingTable, "rows": rep.TruncatedRows}).Info("reading table truncated")
	}
	return nil
}

func (a *Archiver) archiveTable(ctx context.Context, log logrus.FieldLogger, q db.Querier, dir, table string, asOf time.Time) (TableResult, error) {
	res := TableResult{Table: table, Key: a.Key(table, asOf)}
	tlog := log.WithFields(logrus.Fields{"table": table, "key": res.Key})

	path := filepath.Join(dir, table+".csv")
	rows, err := exportTable(ctx, q, a.opts.Schema, table, path)
	if err != nil {
		return res, fmt.Errorf("export %s: %w", table, err)
	}
	res.Rows = rows
	a.metrics.ArchiveRows.WithLabelValues(table).Add(float64(rows))

	if rows == 0 {
		res.Status = StatusSkipped
		a.metrics.ArchiveUploads.WithLabelValues(table, res.Status).Inc()
		tlog.Info("table empty, nothing to upload")
		return res, nil
	}

	if err := a.upload(ctx, path, res.Key); err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		tlog.WithError(err).Error("upload failed")
	} else {
		res.Status = StatusUploaded
		tlog.WithField("rows", rows).Info("table uploaded")
	}
	a.metrics.ArchiveUploads.WithLabelValues(table, res.Status).Inc()
	return res, nil
}

func (a *Archiver) upload(ctx context.Context, path, key string) error {
	obj, err := a.uploader.Upload(ctx, path, key)
	if err != nil {
		return err
	}
	if !a.opts.VerifyUpload {
		return nil
	}

	sum, err := storage.FileMD5(path)
	if err != nil {
		return fmt.Errorf("checksum %s: %w", path, err)
	}
	if obj.ETag == "" {
		if obj, err = a.uploader.Stat(ctx, key); err != nil {
			return fmt.Errorf("verify %s: %w", key, err)
		}
	}
	if !storage.ETagMatches(obj.ETag, sum) {
		return fmt.Errorf("verify %s: etag %q does not match md5 %s", key, obj.ETag, sum)
	}
	return nil
}

func (a *Archiver) truncate(ctx context.Context, q db.Querier, rep Report) (int64, error) {
	res, ok := rep.Table(a.opts.ReadingTable)
	switch {
	case !ok:
		return 0, fmt.Errorf("%w: %s was not archived in this pass", ErrTruncateRefused, a.opts.ReadingTable)
	case res.Status != StatusUploaded:
		return 0, fmt.Errorf("%w: %s is %s", ErrTruncateRefused, a.opts.ReadingTable, res.Status)
	}
	n, err := db.DeleteAll(ctx, q, a.opts.Schema, a.opts.ReadingTable)
	if err != nil {
		return 0, fmt.Errorf("truncate %s: %w", a.opts.ReadingTable, err)
	}
	return n, nil
}

// exportTable writes every row of table to path as CSV with a header. The
// file is only created once the first row arrives.
func exportTable(ctx context.Context, q db.Querier, schema, table, path string) (int64, error) {
	rows, err := db.SelectAll(ctx, q, schema, table)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var (
		f     *os.File
		w     *csv.Writer
		count int64
	)
	defer func() {
		if f != nil {
			_ = f.Close()
		}
	}()

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return count, err
		}
		if w == nil {
			if f, err = os.Create(path); err != nil {
				return count, err
			}
			w = csv.NewWriter(f)
			header := lo.Map(rows.FieldDescriptions(), func(fd pgconn.FieldDescription, _ int) string { return fd.Name })
			if err := w.Write(header); err != nil {
				return count, err
			}
		}
		if err := w.Write(lo.Map(values, func(v any, _ int) string { return formatValue(v) })); err != nil {
			return count, err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, err
	}
	if w != nil {
		w.Flush()
		if err := w.Error(); err != nil {
			return count, err
		}
		if err := f.Close(); err != nil {
			f = nil
			return count, err
		}
		f = nil
	}
	return count, nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case [16]byte:
		return uuid.UUID(x).String()
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	case driver.Valuer:
		dv, err := x.Value()
		if err != nil || dv == nil {
			return ""
		}
		return formatValue(dv)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

func rollback(ctx context.Context, tx pgx.Tx, log logrus.FieldLogger) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		log.WithError(err).Warn("rollback failed")
	}
}
