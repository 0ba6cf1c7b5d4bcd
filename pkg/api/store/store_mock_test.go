package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ethpandaops/pipelinoor/pkg/telemetry"
)

var errConnReset = errors.New("connection reset by peer")

func newMockStore(t *testing.T) (*store, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormConfig())
	require.NoError(t, err)

	return &store{log: logrus.New(), db: db}, mock
}

func TestStore_StorageErrorsAreSurfaced(t *testing.T) {
	ctx := context.Background()

	t.Run("upsert pipeline", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "pipelines"`).WillReturnError(errConnReset)

		p, err := s.UpsertPipeline(ctx, "web")
		require.Error(t, err)
		assert.Nil(t, p)
		assert.ErrorIs(t, err, errConnReset)
		assert.Contains(t, err.Error(), `upserting pipeline "web"`)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert run", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`INSERT INTO "runs"`).WillReturnError(errConnReset)

		run := NewRun(1, telemetry.StatusFailure)
		run.StartedAt = time.Now()

		err := s.InsertRun(ctx, run)
		require.Error(t, err)
		assert.ErrorIs(t, err, errConnReset)
		assert.Zero(t, run.ID)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("list recent runs", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`FROM "runs" JOIN pipelines`).WillReturnError(errConnReset)

		runs, err := s.ListRecentRuns(ctx, 5)
		require.Error(t, err)
		assert.Nil(t, runs)
		assert.ErrorIs(t, err, errConnReset)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("list runs since", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`WHERE runs.started_at >=`).WillReturnError(errConnReset)

		runs, err := s.ListRunsSince(ctx, time.Now().Add(-time.Hour))
		require.Error(t, err)
		assert.Nil(t, runs)
		assert.ErrorIs(t, err, errConnReset)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRun_ViewMapsStatusColumn(t *testing.T) {
	loc := time.FixedZone("CEST", 2*60*60)
	finished := time.Date(2026, 10, 18, 14, 5, 0, 0, loc)

	r := &Run{
		ID:         7,
		Status:     "failure",
		StartedAt:  time.Date(2026, 10, 18, 14, 0, 0, 0, loc),
		FinishedAt: &finished,
	}

	view := r.View("api")

	assert.Equal(t, telemetry.StatusFailure, view.Status)
	assert.Equal(t, "api", view.Pipeline)
	assert.Equal(t, time.UTC, view.StartedAt.Location())
	assert.Equal(t, 12, view.StartedAt.Hour())
	require.NotNil(t, view.FinishedAt)
	assert.Equal(t, time.UTC, view.FinishedAt.Location())
}
