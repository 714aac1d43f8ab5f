package conf

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, 5*time.Second, cfg.SettleDelay)
	assert.EqualValues(t, 128*1024*1024, cfg.MinHelperPartitionBytes)
	assert.Equal(t, "kextcache", cfg.BuilderPath)
	assert.Equal(t, 5, cfg.MaxErrCount)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, NewConfig(), cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootcachesd.json")

	data, err := json.Marshal(map[string]interface{}{
		"BuilderPath": "/usr/local/bin/kextcache",
		"MaxErrCount": 3,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/kextcache", cfg.BuilderPath)
	assert.Equal(t, 3, cfg.MaxErrCount)
	// Untouched fields retain their defaults.
	assert.Equal(t, 5*time.Second, cfg.SettleDelay)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
