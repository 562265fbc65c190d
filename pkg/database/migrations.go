package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// keepBackups is how many pre-migration snapshots survive next to the database
const keepBackups = 3

// Migration is one versioned schema change, loaded from NNN_name.sql
type Migration struct {
	Version int
	Name    string
	SQL     string
}

func initMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	return err
}

func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func loadMigrations() ([]Migration, error) {
	return readMigrations(migrationFiles, "migrations")
}

// parseMigrationName splits "002_session_activity.sql" into 2 and
// "session_activity"
func parseMigrationName(file string) (int, string, error) {
	base, ok := strings.CutSuffix(file, ".sql")
	if !ok {
		return 0, "", fmt.Errorf("migration %s: not an .sql file", file)
	}
	num, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("migration %s: want NNN_name.sql", file)
	}
	version, err := strconv.Atoi(num)
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("migration %s: bad version %q", file, num)
	}
	return version, name, nil
}

// readMigrations loads every .sql file under dir. Versions must run 1..n
// without gaps or repeats; a hole would leave a database half-migrated
// forever since only versions above the current one are applied.
func readMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, name, err := parseMigrationName(entry.Name())
		if err != nil {
			return nil, err
		}
		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	for i, m := range migrations {
		if m.Version != i+1 {
			return nil, fmt.Errorf("migration %d (%s): expected version %d", m.Version, m.Name, i+1)
		}
	}

	return migrations, nil
}

// backupDatabase snapshots the open database with VACUUM INTO. Unlike a
// file copy this includes pages still sitting in the WAL.
func backupDatabase(db *sql.DB, dbPath string, currentVersion int, logger zerolog.Logger) error {
	backupPath := fmt.Sprintf("%s.backup-v%d-%s", dbPath, currentVersion,
		time.Now().Format("20060102-150405.000000"))

	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}

	logger.Info().Str("backup", filepath.Base(backupPath)).Msg("created database backup")

	if err := pruneBackups(dbPath, keepBackups); err != nil {
		logger.Warn().Err(err).Msg("failed to prune old backups")
	}
	return nil
}

// pruneBackups removes all but the newest keep snapshots of dbPath
func pruneBackups(dbPath string, keep int) error {
	matches, err := filepath.Glob(dbPath + ".backup-v*")
	if err != nil {
		return err
	}
	if len(matches) <= keep {
		return nil
	}

	modTime := make(map[string]time.Time, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			return err
		}
		modTime[m] = info.ModTime()
	}
	sort.Slice(matches, func(i, j int) bool {
		return modTime[matches[i]].After(modTime[matches[j]])
	})

	for _, m := range matches[keep:] {
		if err := os.Remove(m); err != nil {
			return err
		}
	}
	return nil
}

func hasUserTables(db *sql.DB) bool {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name NOT IN ('schema_migrations', 'sqlite_sequence')
	`).Scan(&count)
	return err == nil && count > 0
}

// runMigrations brings the schema up to the newest embedded version
func runMigrations(db *sql.DB, dbPath string, logger zerolog.Logger) error {
	if err := initMigrations(db); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if currentVersion > len(migrations) {
		return fmt.Errorf("database schema v%d is newer than this build (v%d)", currentVersion, len(migrations))
	}

	pending := migrations[currentVersion:]
	if len(pending) == 0 {
		logger.Debug().Int("version", currentVersion).Msg("database is up to date")
		return nil
	}

	// A fresh database has nothing worth keeping
	if currentVersion > 0 || hasUserTables(db) {
		if err := backupDatabase(db, dbPath, currentVersion, logger); err != nil {
			return fmt.Errorf("failed to backup database: %w", err)
		}
	}

	logger.Info().
		Int("pending", len(pending)).
		Int("from", currentVersion).
		Int("to", pending[len(pending)-1].Version).
		Msg("running migrations")

	for _, m := range pending {
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		logger.Debug().Int("version", m.Version).Str("name", m.Name).Msg("applied migration")
	}

	return nil
}

func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}

	_, err = tx.Exec(
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Name, time.Now().UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
