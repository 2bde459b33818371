// Package postgres stores deployment records in PostgreSQL through gorm.
// The schema is owned by the goose migrations embedded in this package.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/payload"
	"github.com/adsabs/ADSDeploy/pkg/retry"
	"github.com/adsabs/ADSDeploy/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

type deploymentRow struct {
	ID          uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Application string    `gorm:"column:application;not null"`
	Environment string    `gorm:"column:environment;not null"`
	Version     string    `gorm:"column:version;not null"`
	Deployed    *bool     `gorm:"column:deployed"`
	Tested      bool      `gorm:"column:tested;not null"`
	Msg         string    `gorm:"column:msg;not null"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	ModifiedAt  time.Time `gorm:"column:modified_at"`
}

func (deploymentRow) TableName() string {
	return "deployments"
}

func fromRow(r deploymentRow) storage.Deployment {
	return storage.Deployment(r)
}

func toRow(d *storage.Deployment) deploymentRow {
	return deploymentRow(*d)
}

// Store is a storage.Store backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *slog.Logger
}

// Open connects to dsn, retrying while the database comes up.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "PostgresStore", "Open", "open database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.WrapFatal(err, "PostgresStore", "Open", "get sql handle")
	}

	err = retry.Do(ctx, retry.Startup(), func() error {
		return sqlDB.PingContext(ctx)
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, errors.WrapTransient(err, "PostgresStore", "Open", "ping database")
	}

	return NewWithDB(db, logger)
}

// NewWithDB wraps an existing gorm handle.
func NewWithDB(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.WrapFatal(err, "PostgresStore", "New", "get sql handle")
	}
	return &Store{db: db, sqlDB: sqlDB, logger: logger.With("component", "postgres-store")}, nil
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return errors.WrapFatal(err, "PostgresStore", "Migrate", "configure goose")
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	s.logger.Info("Applying migrations")
	if err := goose.UpContext(runCtx, s.sqlDB, migrationsDir); err != nil {
		return errors.WrapFatal(err, "PostgresStore", "Migrate", "apply migrations")
	}
	s.logger.Info("Migrations applied")
	return nil
}

// Version returns the current schema version.
func (s *Store) Version(ctx context.Context) (int64, error) {
	if err := goose.SetDialect("postgres"); err != nil {
		return 0, errors.WrapFatal(err, "PostgresStore", "Version", "configure goose")
	}
	v, err := goose.GetDBVersionContext(ctx, s.sqlDB)
	if err != nil {
		return 0, errors.WrapTransient(err, "PostgresStore", "Version", "read schema version")
	}
	return v, nil
}

// InTx runs fn in a database transaction.
func (s *Store) InTx(ctx context.Context, fn func(storage.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&tx{db: db})
	})
}

// List returns the records of target ordered by id.
func (s *Store) List(ctx context.Context, target payload.Target) ([]storage.Deployment, error) {
	var rows []deploymentRow
	err := s.db.WithContext(ctx).
		Where("application = ? AND environment = ?", target.Application, target.Environment).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "List", "query deployments")
	}

	out := make([]storage.Deployment, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.sqlDB.PingContext(ctx); err != nil {
		return errors.WrapTransient(err, "PostgresStore", "Ping", "ping database")
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

type tx struct {
	db *gorm.DB
}

// LockTarget takes a transaction scoped advisory lock on the target so that
// two writers never both leave a deployed record behind.
func (t *tx) LockTarget(_ context.Context, target payload.Target) error {
	err := t.db.Exec("SELECT pg_advisory_xact_lock(hashtext(?), hashtext(?))",
		target.Application, target.Environment).Error
	if err != nil {
		return errors.WrapTransient(err, "PostgresStore", "LockTarget", "lock target")
	}
	return nil
}

// Get locks the row with SELECT ... FOR UPDATE.
func (t *tx) Get(_ context.Context, key storage.Key) (*storage.Deployment, error) {
	var row deploymentRow
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("application = ? AND environment = ? AND version = ?", key.Application, key.Environment, key.Version).
		First(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "Get", "select deployment")
	}
	d := fromRow(row)
	return &d, nil
}

func (t *tx) Save(_ context.Context, d *storage.Deployment) error {
	row := toRow(d)
	var err error
	if row.ID == 0 {
		err = t.db.Create(&row).Error
	} else {
		err = t.db.Save(&row).Error
	}
	if stderrors.Is(err, gorm.ErrDuplicatedKey) {
		return errors.WrapTransient(err, "PostgresStore", "Save", "insert deployment")
	}
	if err != nil {
		return errors.WrapTransient(err, "PostgresStore", "Save", "write deployment")
	}
	d.ID = row.ID
	return nil
}

func (t *tx) ClearDeployed(_ context.Context, target payload.Target, exceptID uint64, now time.Time) (int64, error) {
	res := t.db.Model(&deploymentRow{}).
		Where("application = ? AND environment = ? AND deployed AND id <> ?",
			target.Application, target.Environment, exceptID).
		Updates(map[string]any{
			"deployed":    false,
			"modified_at": now.UTC(),
		})
	if res.Error != nil {
		return 0, errors.WrapTransient(res.Error, "PostgresStore", "ClearDeployed", "update deployments")
	}
	return res.RowsAffected, nil
}
