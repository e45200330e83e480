package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rendis/aegis/internal/encryption"
	"github.com/rendis/aegis/internal/scheduler"
)

// Config holds all aegis server configuration.
// Priority: env vars > settings.json > defaults.
// Key material is never read from settings.json; see loadKeyringConfig.
type Config struct {
	DBPath                string `json:"db_path"`
	LogLevel              string `json:"log_level"`
	KeyVersion            int    `json:"key_version"`
	RotationThresholdDays int    `json:"rotation_threshold_days"`
	SweepSchedule         string `json:"sweep_schedule"`
	VacuumSchedule        string `json:"vacuum_schedule"`
	NotifyRotationDue     bool   `json:"notify_rotation_due"`
}

func defaultConfig() Config {
	return Config{
		DBPath:                filepath.Join(aegisDir(), "aegis.db"),
		LogLevel:              "info",
		KeyVersion:            1,
		RotationThresholdDays: 90,
		SweepSchedule:         scheduler.DefaultSweepSchedule,
		VacuumSchedule:        scheduler.DefaultVacuumSchedule,
	}
}

func aegisDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aegis"
	}
	return filepath.Join(home, ".aegis")
}

func settingsPath() string {
	return filepath.Join(aegisDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("AEGIS_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AEGIS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AEGIS_KEY_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.KeyVersion = n
		}
	}
	if v := os.Getenv("AEGIS_ROTATION_THRESHOLD_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RotationThresholdDays = n
		}
	}
	if v := os.Getenv("AEGIS_SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}
	if v := os.Getenv("AEGIS_VACUUM_SCHEDULE"); v != "" {
		cfg.VacuumSchedule = v
	}
	if v := os.Getenv("AEGIS_NOTIFY_ROTATION_DUE"); v != "" {
		cfg.NotifyRotationDue = v == "true" || v == "1"
	}

	return cfg
}

// loadKeyringConfig reads key material from the environment only, so secrets
// never land in settings.json. AEGIS_MASTER_KEY (64 hex chars) wins;
// AEGIS_PASSPHRASE plus AEGIS_KEY_SALT is the derivation path.
func loadKeyringConfig(keyVersion int) (encryption.KeyringConfig, error) {
	cfg := encryption.KeyringConfig{ActiveVersion: keyVersion}

	if v := os.Getenv("AEGIS_MASTER_KEY"); v != "" {
		key, err := hex.DecodeString(v)
		if err != nil {
			return cfg, fmt.Errorf("AEGIS_MASTER_KEY is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return cfg, fmt.Errorf("AEGIS_MASTER_KEY must be 64 hex characters (32 bytes), got %d bytes", len(key))
		}
		cfg.MasterKey = key
		return cfg, nil
	}

	passphrase := os.Getenv("AEGIS_PASSPHRASE")
	salt := os.Getenv("AEGIS_KEY_SALT")
	if passphrase == "" {
		return cfg, fmt.Errorf("either AEGIS_MASTER_KEY or AEGIS_PASSPHRASE is required")
	}
	if salt == "" {
		return cfg, fmt.Errorf("AEGIS_KEY_SALT is required with AEGIS_PASSPHRASE")
	}
	cfg.Passphrase = passphrase
	cfg.Salt = []byte(salt)
	return cfg, nil
}
