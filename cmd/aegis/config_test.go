package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateEnv points HOME at a temp dir and clears every AEGIS_ override so
// tests see only what they set themselves.
func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{
		"AEGIS_DB_PATH", "AEGIS_LOG_LEVEL", "AEGIS_KEY_VERSION",
		"AEGIS_ROTATION_THRESHOLD_DAYS", "AEGIS_SWEEP_SCHEDULE",
		"AEGIS_VACUUM_SCHEDULE", "AEGIS_NOTIFY_ROTATION_DUE",
		"AEGIS_MASTER_KEY", "AEGIS_PASSPHRASE", "AEGIS_KEY_SALT",
	} {
		t.Setenv(key, "")
	}
	return home
}

func TestDefaultConfig(t *testing.T) {
	home := isolateEnv(t)

	cfg := loadConfig()
	assert.Equal(t, filepath.Join(home, ".aegis", "aegis.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 1, cfg.KeyVersion)
	assert.Equal(t, 90, cfg.RotationThresholdDays)
	assert.Equal(t, "0 3 * * *", cfg.SweepSchedule)
	assert.Equal(t, "0 4 * * 0", cfg.VacuumSchedule)
	assert.False(t, cfg.NotifyRotationDue)
}

func TestLoadConfigSettingsFile(t *testing.T) {
	home := isolateEnv(t)

	dir := filepath.Join(home, ".aegis")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	settings := `{"log_level":"debug","rotation_threshold_days":30,"notify_rotation_due":true}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(settings), 0o600))

	cfg := loadConfig()
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30, cfg.RotationThresholdDays)
	assert.True(t, cfg.NotifyRotationDue)
	// Untouched fields keep their defaults.
	assert.Equal(t, 1, cfg.KeyVersion)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	home := isolateEnv(t)

	dir := filepath.Join(home, ".aegis")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"),
		[]byte(`{"log_level":"debug"}`), 0o600))

	t.Setenv("AEGIS_LOG_LEVEL", "warn")
	t.Setenv("AEGIS_DB_PATH", "/tmp/other.db")
	t.Setenv("AEGIS_KEY_VERSION", "3")
	t.Setenv("AEGIS_SWEEP_SCHEDULE", "30 2 * * *")
	t.Setenv("AEGIS_NOTIFY_ROTATION_DUE", "1")

	cfg := loadConfig()
	assert.Equal(t, "warn", cfg.LogLevel, "env beats settings.json")
	assert.Equal(t, "/tmp/other.db", cfg.DBPath)
	assert.Equal(t, 3, cfg.KeyVersion)
	assert.Equal(t, "30 2 * * *", cfg.SweepSchedule)
	assert.True(t, cfg.NotifyRotationDue)
}

func TestLoadKeyringConfigMasterKey(t *testing.T) {
	isolateEnv(t)
	t.Setenv("AEGIS_MASTER_KEY",
		"000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")

	cfg, err := loadKeyringConfig(2)
	require.NoError(t, err)
	assert.Len(t, cfg.MasterKey, 32)
	assert.Equal(t, 2, cfg.ActiveVersion)
	assert.Empty(t, cfg.Passphrase)
}

func TestLoadKeyringConfigBadHex(t *testing.T) {
	isolateEnv(t)
	t.Setenv("AEGIS_MASTER_KEY", "not-hex-at-all")

	_, err := loadKeyringConfig(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid hex")
}

func TestLoadKeyringConfigWrongLength(t *testing.T) {
	isolateEnv(t)
	t.Setenv("AEGIS_MASTER_KEY", "0a0b0c0d")

	_, err := loadKeyringConfig(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestLoadKeyringConfigPassphrase(t *testing.T) {
	isolateEnv(t)
	t.Setenv("AEGIS_PASSPHRASE", "correct horse battery staple")
	t.Setenv("AEGIS_KEY_SALT", "org-wide-salt")

	cfg, err := loadKeyringConfig(1)
	require.NoError(t, err)
	assert.Equal(t, "correct horse battery staple", cfg.Passphrase)
	assert.Equal(t, []byte("org-wide-salt"), cfg.Salt)
}

func TestLoadKeyringConfigMissingSalt(t *testing.T) {
	isolateEnv(t)
	t.Setenv("AEGIS_PASSPHRASE", "correct horse battery staple")

	_, err := loadKeyringConfig(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AEGIS_KEY_SALT")
}

func TestLoadKeyringConfigNoMaterial(t *testing.T) {
	isolateEnv(t)

	_, err := loadKeyringConfig(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AEGIS_MASTER_KEY or AEGIS_PASSPHRASE")
}
