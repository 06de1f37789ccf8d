package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lnhm-botany/plant-monitor/internal/config"
	"github.com/lnhm-botany/plant-monitor/internal/models"
)

// Postgres accepts at most 65535 bind parameters per statement.
const maxBindParams = 65535

// ErrUnknownBotanist is wrapped by UnknownBotanistError.
var ErrUnknownBotanist = errors.New("unknown botanist")

// UnknownBotanistError reports a reading whose botanist e-mail has no row in
// the botanist table.
type UnknownBotanistError struct {
	Email string
}

func (e *UnknownBotanistError) Error() string {
	return fmt.Sprintf("%v: no botanist with email %q", ErrUnknownBotanist, e.Email)
}

func (e *UnknownBotanistError) Unwrap() error { return ErrUnknownBotanist }

// Querier is the part of pgx.Tx used for reads and writes.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Session is a connection held for the length of one run.
type Session interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Release()
}

// Pool wraps the pgx pool shared by a process.
type Pool struct {
	pool *pgxpool.Pool
}

// Open creates a pool. Connections are made lazily on first use.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &Pool{pool: pool}, nil
}

// Ping checks the database is reachable.
func (p *Pool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Acquire checks out one connection. Callers must Release it.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return conn, nil
}

// Raw exposes the underlying pool for read-only query helpers.
func (p *Pool) Raw() *pgxpool.Pool {
	return p.pool
}

// Close releases the pool resources.
func (p *Pool) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Table returns the quoted schema-qualified name of a table.
func Table(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// ResolveBotanists replaces each reading's e-mail with its botanist id.
// Lookups are exact and case-sensitive. The first unknown e-mail aborts the
// whole call with an *UnknownBotanistError and no readings are returned.
func ResolveBotanists(ctx context.Context, q Querier, schema string, readings []models.Reading) ([]models.ResolvedReading, error) {
	query := "SELECT botanist_id FROM " + Table(schema, "botanist") + " WHERE email = $1"

	ids := make(map[string]int)
	resolved := make([]models.ResolvedReading, 0, len(readings))
	for _, r := range readings {
		id, ok := ids[r.Email]
		if !ok {
			if err := q.QueryRow(ctx, query, r.Email).Scan(&id); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil, &UnknownBotanistError{Email: r.Email}
				}
				return nil, fmt.Errorf("look up botanist %q: %w", r.Email, err)
			}
			ids[r.Email] = id
		}
		resolved = append(resolved, r.Resolve(id))
	}
	return resolved, nil
}

// InsertReadings writes all readings with a single multi-row INSERT, in input
// order, and returns the number of rows written.
func InsertReadings(ctx context.Context, q Querier, schema string, readings []models.ResolvedReading) (int64, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	cols := len(models.ReadingColumns)
	if len(readings)*cols > maxBindParams {
		return 0, fmt.Errorf("batch of %d readings exceeds %d bind parameters", len(readings), maxBindParams)
	}

	var sql strings.Builder
	sql.WriteString("INSERT INTO ")
	sql.WriteString(Table(schema, "reading"))
	sql.WriteString(" (" + strings.Join(models.ReadingColumns, ", ") + ") VALUES ")

	args := make([]any, 0, len(readings)*cols)
	for i, r := range readings {
		if i > 0 {
			sql.WriteString(", ")
		}
		sql.WriteByte('(')
		for j := 0; j < cols; j++ {
			if j > 0 {
				sql.WriteString(", ")
			}
			sql.WriteString("$" + strconv.Itoa(i*cols+j+1))
		}
		sql.WriteByte(')')
		args = append(args, r.Values()...)
	}

	tag, err := q.Exec(ctx, sql.String(), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteAll removes every row of a table and returns the count removed.
func DeleteAll(ctx context.Context, q Querier, schema, table string) (int64, error) {
	tag, err := q.Exec(ctx, "DELETE FROM "+Table(schema, table))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SelectAll streams every row of a table.
func SelectAll(ctx context.Context, q Querier, schema, table string) (pgx.Rows, error) {
	return q.Query(ctx, "SELECT * FROM "+Table(schema, table))
}
