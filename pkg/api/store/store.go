package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/pipelinoor/pkg/config"
	"github.com/ethpandaops/pipelinoor/pkg/telemetry"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store provides persistence for pipelines and their runs.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	UpsertPipeline(ctx context.Context, name string) (*Pipeline, error)
	InsertRun(ctx context.Context, run *Run) error
	ListRecentRuns(ctx context.Context, limit int) ([]telemetry.Run, error)
	ListRunsSince(ctx context.Context, since time.Time) ([]telemetry.Run, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	driver, dsn, err := s.cfg.Resolve()
	if err != nil {
		return err
	}

	var dialector gorm.Dialector

	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, gormConfig())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	// SQLite allows a single writer, and every ":memory:" connection is its
	// own database.
	if driver == "sqlite" {
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Pipeline{},
		&Run{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", driver).Info("Database connected")

	return nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:                 logger.Discard,
		SkipDefaultTransaction: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// UpsertPipeline returns the pipeline called name, creating it if needed.
// Concurrent creators of the same name race; the unique index keeps one row.
func (s *store) UpsertPipeline(
	ctx context.Context, name string,
) (*Pipeline, error) {
	p := &Pipeline{Name: name}

	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		FirstOrCreate(p).Error; err != nil {
		return nil, fmt.Errorf("upserting pipeline %q: %w", name, err)
	}

	return p, nil
}

// InsertRun persists run and assigns its ID.
func (s *store) InsertRun(ctx context.Context, run *Run) error {
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = utcPtr(run.FinishedAt)

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	return nil
}

// ListRecentRuns returns up to limit runs, newest started first.
func (s *store) ListRecentRuns(
	ctx context.Context, limit int,
) ([]telemetry.Run, error) {
	var rows []runRow
	if err := s.joinedRuns(ctx).
		Order("runs.started_at DESC").
		Order("runs.id DESC").
		Limit(limit).
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing recent runs: %w", err)
	}

	return views(rows), nil
}

// ListRunsSince returns every run started at or after since.
func (s *store) ListRunsSince(
	ctx context.Context, since time.Time,
) ([]telemetry.Run, error) {
	var rows []runRow
	if err := s.joinedRuns(ctx).
		Where("runs.started_at >= ?", since.UTC()).
		Order("runs.id ASC").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing runs since %s: %w",
			since.UTC().Format(time.RFC3339), err)
	}

	return views(rows), nil
}

func (s *store) joinedRuns(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("runs").
		Select("runs.*, pipelines.name AS pipeline_name").
		Joins("JOIN pipelines ON pipelines.id = runs.pipeline_id")
}

func views(rows []runRow) []telemetry.Run {
	out := make([]telemetry.Run, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].View(rows[i].PipelineName))
	}

	return out
}
