package archive

import (
	"context"
	"errors"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnhm-botany/plant-monitor/internal/db"
	"github.com/lnhm-botany/plant-monitor/internal/metrics"
	"github.com/lnhm-botany/plant-monitor/internal/storage"
)

type fakeUploader struct {
	objects map[string]string
	fail    map[string]error
	etag    string
	calls   []string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{objects: map[string]string{}, fail: map[string]error{}}
}

func (f *fakeUploader) Upload(_ context.Context, localPath, key string) (storage.Object, error) {
	f.calls = append(f.calls, key)
	if err := f.fail[key]; err != nil {
		return storage.Object{}, err
	}
	body, err := os.ReadFile(localPath)
	if err != nil {
		return storage.Object{}, err
	}
	f.objects[key] = string(body)
	etag := f.etag
	if etag == "" {
		etag, _ = storage.FileMD5(localPath)
	}
	return storage.Object{Key: key, Size: int64(len(body)), ETag: etag}, nil
}

func (f *fakeUploader) Stat(_ context.Context, key string) (storage.Object, error) {
	if _, ok := f.objects[key]; !ok {
		return storage.Object{}, storage.ErrNotFound
	}
	return storage.Object{Key: key}, nil
}

func (f *fakeUploader) List(context.Context, string) ([]storage.Object, error) {
	return nil, nil
}

type mockSession struct {
	pgxmock.PgxPoolIface
	released int
}

func (s *mockSession) Release() { s.released++ }

var asOf = time.Date(2024, 6, 10, 23, 30, 0, 0, time.UTC)

func newArchiver(t *testing.T, verify bool) (*Archiver, *mockSession, *fakeUploader, *metrics.Metrics) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	sess := &mockSession{PgxPoolIface: mock}
	up := newFakeUploader()
	log, _ := logtest.NewNullLogger()
	m := metrics.New()
	opts := Options{Schema: "delta", ReadingTable: "reading", WorkDir: t.TempDir(), VerifyUpload: verify}
	connect := func(context.Context) (db.Session, error) { return sess, nil }
	return New(opts, connect, up, log, m), sess, up, m
}

func selectAll(table string) string {
	return regexp.QuoteMeta(`SELECT * FROM "delta"."` + table + `"`)
}

func readingRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"reading_id", "soil_moisture", "timestamp", "plant_id"}).
		AddRow(int64(1), 33.5, time.Date(2024, 6, 10, 16, 1, 56, 0, time.UTC), int32(8)).
		AddRow(int64(2), 40.25, time.Date(2024, 6, 10, 16, 2, 56, 0, time.UTC), int32(9))
}

func TestKey(t *testing.T) {
	a, _, _, _ := newArchiver(t, false)
	assert.Equal(t, "readings/2024-06-10/reading.csv", a.Key("reading", asOf))
	assert.Equal(t, "metadata/botanist.csv", a.Key("botanist", asOf))
}

func TestArchiveSkipsEmptyTables(t *testing.T) {
	a, sess, up, m := newArchiver(t, false)

	sess.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	sess.ExpectQuery(selectAll("reading")).WillReturnRows(readingRows())
	sess.ExpectQuery(selectAll("town")).WillReturnRows(pgxmock.NewRows([]string{"town_id", "town_name"}))
	sess.ExpectQuery(selectAll("botanist")).WillReturnRows(
		pgxmock.NewRows([]string{"botanist_id", "name", "email", "phone"}).
			AddRow(1, "Carl Linnaeus", "carl.linnaeus@lnhm.co.uk", nil))
	sess.ExpectCommit()

	rep := a.Archive(context.Background(), []string{"reading", "town", "reading", "botanist", ""}, asOf, RunOptions{})

	require.True(t, rep.OK(), rep.Error)
	assert.Equal(t, "2024-06-10", rep.Date)
	assert.Equal(t, []TableResult{
		{Table: "reading", Key: "readings/2024-06-10/reading.csv", Rows: 2, Status: StatusUploaded},
		{Table: "town", Key: "metadata/town.csv", Rows: 0, Status: StatusSkipped},
		{Table: "botanist", Key: "metadata/botanist.csv", Rows: 1, Status: StatusUploaded},
	}, rep.Tables)
	assert.Equal(t, []string{"readings/2024-06-10/reading.csv", "metadata/botanist.csv"}, up.calls)

	assert.Equal(t, strings.Join([]string{
		"reading_id,soil_moisture,timestamp,plant_id",
		"1,33.5,2024-06-10T16:01:56Z,8",
		"2,40.25,2024-06-10T16:02:56Z,9",
		"",
	}, "\n"), up.objects["readings/2024-06-10/reading.csv"])
	assert.Equal(t, "botanist_id,name,email,phone\n1,Carl Linnaeus,carl.linnaeus@lnhm.co.uk,\n", up.objects["metadata/botanist.csv"])

	assert.False(t, rep.Truncated)
	assert.Equal(t, 1, sess.released)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ArchiveUploads.WithLabelValues("town", StatusSkipped)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ArchiveRows.WithLabelValues("reading")))
	assert.NoError(t, sess.ExpectationsWereMet())
}

func TestArchiveContinuesAfterUploadFailure(t *testing.T) {
	a, sess, up, _ := newArchiver(t, false)
	up.fail["metadata/plant.csv"] = errors.New("access denied")

	sess.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	sess.ExpectQuery(selectAll("plant")).WillReturnRows(pgxmock.NewRows([]string{"plant_id"}).AddRow(8))
	sess.ExpectQuery(selectAll("country")).WillReturnRows(pgxmock.NewRows([]string{"country_id"}).AddRow(1))
	sess.ExpectCommit()

	rep := a.Archive(context.Background(), []string{"plant", "country"}, asOf, RunOptions{})

	assert.Equal(t, StatusFailure, rep.Status)
	assert.Contains(t, rep.Error, "plant")
	res, ok := rep.Table("plant")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "access denied")
	res, _ = rep.Table("country")
	assert.Equal(t, StatusUploaded, res.Status)
	assert.NoError(t, sess.ExpectationsWereMet())
}

func TestArchiveTruncatesAfterUpload(t *testing.T) {
	a, sess, _, _ := newArchiver(t, true)

	sess.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	sess.ExpectQuery(selectAll("reading")).WillReturnRows(readingRows())
	sess.ExpectExec(regexp.QuoteMeta(`DELETE FROM "delta"."reading"`)).WillReturnResult(pgxmock.NewResult("DELETE", 2))
	sess.ExpectCommit()

	rep := a.Archive(context.Background(), []string{"reading"}, asOf, RunOptions{Truncate: true})

	require.True(t, rep.OK(), rep.Error)
	assert.True(t, rep.Truncated)
	assert.EqualValues(t, 2, rep.TruncatedRows)
	assert.NoError(t, sess.ExpectationsWereMet())
}

func TestArchiveRefusesTruncateWithoutUpload(t *testing.T) {
	tests := []struct {
		name   string
		tables []string
		setup  func(*mockSession, *fakeUploader)
	}{
		{
			name:   "upload failed",
			tables: []string{"reading"},
			setup: func(sess *mockSession, up *fakeUploader) {
				up.fail["readings/2024-06-10/reading.csv"] = errors.New("timeout")
				sess.ExpectQuery(selectAll("reading")).WillReturnRows(readingRows())
			},
		},
		{
			name:   "checksum mismatch",
			tables: []string{"reading"},
			setup: func(sess *mockSession, up *fakeUploader) {
				up.etag = "0123456789abcdef0123456789abcdef"
				sess.ExpectQuery(selectAll("reading")).WillReturnRows(readingRows())
			},
		},
		{
			name:   "reading table empty",
			tables: []string{"reading"},
			setup: func(sess *mockSession, _ *fakeUploader) {
				sess.ExpectQuery(selectAll("reading")).WillReturnRows(pgxmock.NewRows([]string{"reading_id"}))
			},
		},
		{
			name:   "reading table not requested",
			tables: []string{"plant"},
			setup: func(sess *mockSession, _ *fakeUploader) {
				sess.ExpectQuery(selectAll("plant")).WillReturnRows(pgxmock.NewRows([]string{"plant_id"}).AddRow(1))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, sess, up, _ := newArchiver(t, true)
			sess.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
			tt.setup(sess, up)
			sess.ExpectRollback()

			rep := a.Archive(context.Background(), tt.tables, asOf, RunOptions{Truncate: true})

			assert.Equal(t, StatusFailure, rep.Status)
			assert.ErrorIs(t, rep.Err(), ErrTruncateRefused)
			assert.False(t, rep.Truncated)
			assert.Equal(t, 1, sess.released)
			assert.NoError(t, sess.ExpectationsWereMet())
		})
	}
}

func TestArchiveQueryErrorAbortsPass(t *testing.T) {
	a, sess, up, _ := newArchiver(t, false)

	sess.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	sess.ExpectQuery(selectAll("nope")).WillReturnError(errors.New(`relation "delta.nope" does not exist`))
	sess.ExpectRollback()

	rep := a.Archive(context.Background(), []string{"nope", "plant"}, asOf, RunOptions{})

	assert.Equal(t, StatusFailure, rep.Status)
	assert.Contains(t, rep.Error, "export nope")
	assert.Empty(t, up.calls)
	assert.Equal(t, 1, sess.released)
	assert.NoError(t, sess.ExpectationsWereMet())
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "", formatValue(nil))
	assert.Equal(t, "1000000", formatValue(1e6))
	assert.Equal(t, "true", formatValue(true))
	assert.Equal(t, "42", formatValue(int32(42)))
	assert.Equal(t, "abc", formatValue([]byte("abc")))
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", formatValue([16]byte(uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))))
	assert.Equal(t, "2024-06-10T14:03:04+01:00", formatValue(time.Date(2024, 6, 10, 14, 3, 4, 0, time.FixedZone("BST", 3600))))
}
