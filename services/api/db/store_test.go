package db

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{"reading_id", "plant_id", "soil_moisture", "temperature", "timestamp", "last_watered", "botanist_id", "name"}

func newStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock, "delta"), mock
}

func TestLatestReadings(t *testing.T) {
	store, mock := newStore(t)
	ts := time.Date(2024, 6, 10, 16, 1, 56, 0, time.UTC)
	name := "Carl Linnaeus"

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT DISTINCT ON (r.plant_id)`) + `.*` + regexp.QuoteMeta(`FROM "delta"."reading" AS r LEFT JOIN "delta"."botanist" AS b`)).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow(int64(10), 0, 93.09, 13.13, ts, ts.Add(-2*time.Hour), 1, &name).
			AddRow(int64(11), 1, 30.0, 12.0, ts, ts.Add(-time.Hour), 2, nil))

	readings, err := store.LatestReadings(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, "Carl Linnaeus", *readings[0].Botanist)
	assert.Nil(t, readings[1].Botanist)
	assert.Equal(t, 1, readings[1].PlantID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlantReadingsFilters(t *testing.T) {
	store, mock := newStore(t)
	since := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE r.plant_id = $1 AND r.timestamp >= $2 AND r.timestamp <= $3 ORDER BY r.timestamp DESC LIMIT $4`)).
		WithArgs(8, since, until, 5).
		WillReturnRows(pgxmock.NewRows(columns))

	readings, err := store.PlantReadings(context.Background(), ReadingQuery{PlantID: 8, Limit: 5, Since: &since, Until: &until})
	require.NoError(t, err)
	assert.Empty(t, readings)
	assert.NotNil(t, readings)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlantReadingsWithoutFilters(t *testing.T) {
	store, mock := newStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE r.plant_id = $1 ORDER BY r.timestamp DESC`) + `$`).
		WithArgs(3).
		WillReturnRows(pgxmock.NewRows(columns))

	_, err := store.PlantReadings(context.Background(), ReadingQuery{PlantID: 3})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
