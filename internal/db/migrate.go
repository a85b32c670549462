package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// advisoryLockID serializes concurrent migrators.
const advisoryLockID = 7462839

// ErrLocked is returned when another migrator holds the advisory lock.
var ErrLocked = errors.New("another migrator is currently running")

// Migration is one embedded SQL file.
type Migration struct {
	Version  string
	Filename string
	Checksum string
	SQL      string
}

// Migrations returns the embedded migrations in version order.
func Migrations() ([]Migration, error) {
	return loadMigrations(migrationFiles, "migrations")
}

func loadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	seen := make(map[string]string)
	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		version, err := extractVersion(name)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("duplicate migration version %s: %s and %s", version, prev, name)
		}
		seen[version] = name

		data, err := fs.ReadFile(fsys, dir+"/"+name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(data)
		out = append(out, Migration{
			Version:  version,
			Filename: name,
			Checksum: hex.EncodeToString(sum[:]),
			SQL:      string(data),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func extractVersion(filename string) (string, error) {
	version, _, found := strings.Cut(filename, "_")
	if !found || version == "" {
		return "", fmt.Errorf("invalid migration filename %s: expected NNN_description.sql", filename)
	}
	return version, nil
}

// Migrate applies every pending embedded migration, each in its own transaction.
// Already applied files are skipped when their checksum matches and rejected when it
// does not. It returns the filenames applied by this call.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations, err := Migrations()
	if err != nil {
		return nil, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for lock: %w", err)
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", advisoryLockID).Scan(&locked); err != nil {
		return nil, fmt.Errorf("query advisory lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", advisoryLockID); err != nil {
			logger.Warn("advisory unlock failed", zap.Error(err))
		}
	}()

	if _, err := conn.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	checksum TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return nil, fmt.Errorf("create schema_migrations table: %w", err)
	}

	var applied []string
	for _, m := range migrations {
		var existing string
		err := conn.QueryRow(ctx, "SELECT checksum FROM schema_migrations WHERE version = $1", m.Version).Scan(&existing)
		switch {
		case err == nil && existing == m.Checksum:
			logger.Debug("migration skipped", zap.String("file", m.Filename))
			continue
		case err == nil:
			return applied, fmt.Errorf("checksum mismatch for %s: recorded %s, embedded %s", m.Filename, existing, m.Checksum)
		case !errors.Is(err, pgx.ErrNoRows):
			return applied, fmt.Errorf("query schema_migrations for %s: %w", m.Filename, err)
		}

		if err := applyMigration(ctx, conn, m); err != nil {
			return applied, err
		}
		logger.Info("migration applied", zap.String("file", m.Filename))
		applied = append(applied, m.Filename)
	}
	return applied, nil
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, m Migration) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction for %s: %w", m.Filename, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return fmt.Errorf("execute migration %s: %w", m.Filename, err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)",
		m.Version, m.Filename, m.Checksum,
	); err != nil {
		return fmt.Errorf("record migration %s: %w", m.Filename, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.Filename, err)
	}
	return nil
}
