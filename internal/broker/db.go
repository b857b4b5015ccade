package broker

import (
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/astubbs/spring-modules-sub002/internal/config"
	"github.com/astubbs/spring-modules-sub002/internal/log"
)

// dsn builds the sqlite3 driver DSN: WAL journal, foreign keys and the
// configured busy timeout on every pooled connection.
func dsn(cfg config.BrokerConfig) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(wal)")
	return "file:" + filepath.ToSlash(cfg.Path) + "?" + q.Encode()
}

// openDB creates the parent directory, backs up an existing database file
// and opens the connection pool.
func openDB(cfg config.BrokerConfig) (*sql.DB, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	if cfg.AutoMigrate {
		if err := backupDatabase(cfg.Path); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	log.Debug(log.CatBroker, "Opened database", "path", cfg.Path, "maxOpenConns", cfg.MaxOpenConns)
	return db, nil
}

// backupDatabase copies path to path.bak before migrations touch it. A
// missing database is not an error.
func backupDatabase(path string) error {
	src, err := os.Open(path) //nolint:gosec // G304: path comes from config
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening database for backup: %w", err)
	}
	defer func() { _ = src.Close() }()

	backupPath := path + ".bak"
	dst, err := os.OpenFile(backupPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec // G304: derived from config path
	if err != nil {
		return fmt.Errorf("creating database backup: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("writing database backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing database backup: %w", err)
	}

	log.Debug(log.CatBroker, "Backed up database", "path", backupPath)
	return nil
}
