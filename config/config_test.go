package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotx/core/txstate"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
logger:
  level: debug
  format: console
transaction:
  pool_size: 8
  default_timeout: 30s
  multi_versioned: true
  chunk_size: 50
  enrichment: full
wal:
  dir: /var/lib/gojotx/wal
  sync_on_commit: false
admin:
  addr: ":9000"
`))
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "console", cfg.Logger.Format)
	require.Equal(t, 8, cfg.Transaction.PoolSize)
	require.Equal(t, 30*time.Second, cfg.Transaction.DefaultTimeout)
	require.True(t, cfg.Transaction.MultiVersioned)
	require.Equal(t, txstate.EnrichmentFull, cfg.Transaction.Enrichment)
	require.Equal(t, "/var/lib/gojotx/wal", cfg.WAL.Dir)
	require.False(t, cfg.WAL.SyncOnCommit)
	require.Equal(t, ":9000", cfg.Admin.Addr)

	// Untouched sections keep their defaults.
	require.Equal(t, "memory", cfg.StorageEngine)
	require.Equal(t, Default().Transaction.TimeoutSweepInterval, cfg.Transaction.TimeoutSweepInterval)
	require.Equal(t, Default().Admin.ShutdownTimeout, cfg.Admin.ShutdownTimeout)
	require.Equal(t, 30*time.Second, cfg.Transaction.LockAcquisitionTimeout)
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte("transaction:\n  pool_size: 0\n"))
	require.ErrorContains(t, err, "pool_size")

	_, err = Parse([]byte("transaction:\n  enrichment: sometimes\n"))
	require.Error(t, err)

	_, err = Parse([]byte("transactions:\n  pool_size: 2\n"))
	require.Error(t, err)

	_, err = Parse([]byte("admin:\n  tls:\n    cert_file: cert.pem\n"))
	require.ErrorContains(t, err, "key_file")
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Transaction.Enrichment = txstate.EnrichmentDiff
	cfg.Transaction.DefaultTimeout = time.Minute

	raw, err := cfg.Marshal()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "gojotx.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
