//go:build unit

package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewClientRequiresPrimaryDSN(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{})
	require.ErrorIs(t, err, ErrPrimaryDSNRequired)

	_, err = NewClient(Config{PrimaryDSN: "   "})
	require.ErrorIs(t, err, ErrPrimaryDSNRequired)
}

func TestConfigNormalizeDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{PrimaryDSN: "postgres://localhost/events"}
	cfg.normalize()

	require.Equal(t, cfg.PrimaryDSN, cfg.ReplicaDSN)
	require.Equal(t, defaultMaxOpenConns, cfg.MaxOpenConns)
	require.Equal(t, defaultMaxIdleConns, cfg.MaxIdleConns)
	require.Equal(t, 30*time.Minute, cfg.ConnMaxLifetime)
	require.Equal(t, 5*time.Minute, cfg.ConnMaxIdleTime)
	require.NotNil(t, cfg.Logger)
}

func TestValidateDBName(t *testing.T) {
	t.Parallel()

	require.NoError(t, validateDBName("events"))
	require.NoError(t, validateDBName("_events_2024"))
	require.Error(t, validateDBName(""))
	require.Error(t, validateDBName("1events"))
	require.Error(t, validateDBName("events;drop table"))
}

func TestSanitizePathRejectsTraversal(t *testing.T) {
	t.Parallel()

	_, err := sanitizePath("../../etc/passwd")
	require.Error(t, err)

	path, err := sanitizePath("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, path)
}
