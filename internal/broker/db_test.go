package broker

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/astubbs/spring-modules-sub002/internal/config"
)

func TestOpen_CreatesDirectory(t *testing.T) {
	b := newTestBroker(t, nil)

	info, err := os.Stat(filepath.Dir(b.Path()))
	require.NoError(t, err, "Directory should exist after Open")
	require.True(t, info.IsDir())

	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(0o700), info.Mode().Perm(), "Directory should have 0700 permissions")
	}
}

func TestOpen_PreMigrationBackup(t *testing.T) {
	cfg := testBrokerConfig(t)

	b1, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	_, err = b1.DB().Exec(`INSERT INTO documents (id, body, created_at, updated_at) VALUES ('a', 'b', 1, 1)`)
	require.NoError(t, err)
	require.NoError(t, b1.Close())

	_, err = os.Stat(cfg.Path + ".bak")
	require.True(t, os.IsNotExist(err), "first open has nothing to back up")

	b2, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = b2.Close() }()

	info, err := os.Stat(cfg.Path + ".bak")
	require.NoError(t, err, "Backup file should exist after second Open")
	require.Greater(t, info.Size(), int64(0))
}

func TestOpen_NoBackupWithoutAutoMigrate(t *testing.T) {
	cfg := testBrokerConfig(t)
	b1, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, b1.Close())

	cfg.AutoMigrate = false
	b2, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = b2.Close() }()

	_, err = os.Stat(cfg.Path + ".bak")
	require.True(t, os.IsNotExist(err))
}

func TestOpen_Pragmas(t *testing.T) {
	b := newTestBroker(t, func(c *config.BrokerConfig) { c.BusyTimeout = 1500 * time.Millisecond })

	var journalMode string
	require.NoError(t, b.DB().QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	require.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, b.DB().QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)

	var busyTimeout int
	require.NoError(t, b.DB().QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	require.Equal(t, 1500, busyTimeout)
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := testBrokerConfig(t)
	cfg.Isolation = "read_committed"

	_, err := Open(context.Background(), cfg)
	require.ErrorContains(t, err, "broker.isolation")
}

func TestBroker_Close(t *testing.T) {
	b, err := Open(context.Background(), testBrokerConfig(t))
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.Error(t, b.DB().Ping(), "Ping should fail after Close")
}
