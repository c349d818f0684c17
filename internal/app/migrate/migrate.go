package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const runTimeout = time.Minute

var dialectOnce sync.Once

// Migrator applies goose migrations against the configured database. It
// opens a short-lived database/sql connection per operation; the pgx pool
// used by the repositories is not involved.
type Migrator struct {
	dsn    string
	dir    string
	logger *slog.Logger
}

func New(dsn, dir string, logger *slog.Logger) (Migrator, error) {
	if dsn == "" {
		return Migrator{}, errors.New("migrate: empty database dsn")
	}
	if dir == "" {
		return Migrator{}, errors.New("migrate: empty migrations directory")
	}
	if _, err := os.Stat(dir); err != nil {
		return Migrator{}, fmt.Errorf("migrate: locate migrations dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Migrator{dsn: dsn, dir: dir, logger: logger}, nil
}

// Up applies all pending migrations.
func (m Migrator) Up(ctx context.Context) error {
	return m.run(ctx, func(ctx context.Context, db *sql.DB) error {
		m.logger.Info("applying migrations", "dir", m.dir)
		if err := goose.UpContext(ctx, db, m.dir); err != nil {
			return fmt.Errorf("migrate: up: %w", err)
		}
		version, err := goose.GetDBVersionContext(ctx, db)
		if err == nil {
			m.logger.Info("migrations applied", "version", version)
		}
		return nil
	})
}

// Status prints the applied/pending state of each migration.
func (m Migrator) Status(ctx context.Context) error {
	return m.run(ctx, func(ctx context.Context, db *sql.DB) error {
		if err := goose.StatusContext(ctx, db, m.dir); err != nil {
			return fmt.Errorf("migrate: status: %w", err)
		}
		return nil
	})
}

// DownTo rolls back to target, or one step when target is zero or negative.
func (m Migrator) DownTo(ctx context.Context, target int64) error {
	return m.run(ctx, func(ctx context.Context, db *sql.DB) error {
		if target > 0 {
			m.logger.Info("rolling back migrations", "target", target)
			if err := goose.DownToContext(ctx, db, m.dir, target); err != nil {
				return fmt.Errorf("migrate: down to %d: %w", target, err)
			}
			return nil
		}
		m.logger.Info("rolling back latest migration")
		if err := goose.DownContext(ctx, db, m.dir); err != nil {
			return fmt.Errorf("migrate: down: %w", err)
		}
		return nil
	})
}

func (m Migrator) run(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	var dialectErr error
	dialectOnce.Do(func() {
		dialectErr = goose.SetDialect("postgres")
	})
	if dialectErr != nil {
		return fmt.Errorf("migrate: configure dialect: %w", dialectErr)
	}

	db, err := sql.Open("pgx", m.dsn)
	if err != nil {
		return fmt.Errorf("migrate: open connection: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("migrate: ping: %w", err)
	}
	return fn(ctx, db)
}
