package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDirtySchema は前回のマイグレーションが途中で失敗し、手動での修復が必要なことを示す。
var ErrDirtySchema = errors.New("schema is dirty")

// MigrationStatus はマイグレーション前後のスキーマバージョン。0は未適用。
type MigrationStatus struct {
	From    uint
	Version uint
}

// Changed は今回のマイグレーションでバージョンが進んだかを返す。
func (s MigrationStatus) Changed() bool {
	return s.From != s.Version
}

// migrateLogger はgolang-migrateのログをslogに流す。
type migrateLogger struct {
	logger *slog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
}

func (l migrateLogger) Verbose() bool {
	return l.logger.Enabled(context.Background(), slog.LevelDebug)
}

func newSource() (source.Driver, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	return src, nil
}

// NewMigrator は埋め込みのusers・login_eventsマイグレーションを使うmigrateインスタンスを生成する。
// loggerがnilの場合はslog.Default()を使う。
func NewMigrator(databaseURL string, logger *slog.Logger) (*migrate.Migrate, error) {
	if logger == nil {
		logger = slog.Default()
	}

	src, err := newSource()
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	m.Log = migrateLogger{logger: logger}
	return m, nil
}

// Migrate は未適用のマイグレーションをすべて適用する。
// 最新であれば何もしない。前回の失敗でdirtyになっている場合は適用せずErrDirtySchemaを返す。
func Migrate(databaseURL string, logger *slog.Logger) (MigrationStatus, error) {
	m, err := NewMigrator(databaseURL, logger)
	if err != nil {
		return MigrationStatus{}, err
	}
	defer m.Close()

	from, dirty, err := schemaVersion(m)
	if err != nil {
		return MigrationStatus{}, err
	}
	if dirty {
		return MigrationStatus{From: from, Version: from}, fmt.Errorf("%w at version %d", ErrDirtySchema, from)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return MigrationStatus{From: from}, fmt.Errorf("failed to run migrations: %w", err)
	}

	to, _, err := schemaVersion(m)
	if err != nil {
		return MigrationStatus{From: from}, err
	}
	return MigrationStatus{From: from, Version: to}, nil
}

func schemaVersion(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, dirty, nil
}

// LatestVersion は埋め込まれたマイグレーションの最新バージョンを返す。
func LatestVersion() (uint, error) {
	src, err := newSource()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("failed to read first migration: %w", err)
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read migration after %d: %w", v, err)
		}
		v = next
	}
}
