package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rendis/aegis/internal/audit"
	"github.com/rendis/aegis/internal/consent"
	"github.com/rendis/aegis/internal/encryption"
	"github.com/rendis/aegis/internal/logging"
	"github.com/rendis/aegis/internal/scheduler"
	"github.com/rendis/aegis/internal/store"
	"github.com/rendis/aegis/internal/vault"
	"github.com/rendis/aegis/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration.
	cfg := loadConfig()

	// 2. Logging goes to stderr; stdout belongs to the MCP transport.
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("config loaded",
		"db_path", cfg.DBPath,
		"key_version", cfg.KeyVersion,
		"rotation_threshold_days", cfg.RotationThresholdDays,
	)

	// 3. Signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Open the store and migrate.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing store", "error", closeErr)
		}
	}()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("store ready", "path", cfg.DBPath)

	// 5. Keyring from environment key material.
	keyringCfg, err := loadKeyringConfig(cfg.KeyVersion)
	if err != nil {
		return err
	}
	keyring, err := encryption.NewKeyring(keyringCfg)
	if err != nil {
		return err
	}

	// 6. Services.
	vlt, err := vault.NewVault(st, keyring, logger)
	if err != nil {
		return err
	}
	cm, err := consent.NewManager(st, logger)
	if err != nil {
		return err
	}
	redactor := audit.NewRedactor()
	auditor, err := audit.NewLogger(st, redactor, logger)
	if err != nil {
		return err
	}

	// 7. MCP server and notifier.
	srv := mcp.NewAegisServer(mcp.AegisServerDeps{
		Vault:    vlt,
		Consent:  cm,
		Audit:    auditor,
		Redactor: redactor,
		Store:    st,
		Logger:   logger,
	})
	notifier := mcp.NewMCPNotifier(srv.MCPServer(), srv.Sessions())

	// 8. Maintenance scheduler. RunAllNow catches up sweeps missed while
	// the server was down.
	sched := scheduler.NewScheduler(logger)
	sweep := scheduler.StaleCredentialSweep(vlt, cfg.RotationThresholdDays, cfg.SweepSchedule)
	if cfg.NotifyRotationDue {
		sweep.Run = notifyAfter(sweep.Run, st, notifier)
	}
	if err := sched.AddJob(sweep); err != nil {
		return err
	}
	if err := sched.AddJob(scheduler.StoreVacuum(st, cfg.VacuumSchedule)); err != nil {
		return err
	}
	sched.RunAllNow(ctx)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	// 9. Serve stdio until the agent disconnects or a signal arrives.
	logger.Info("aegis started", "version", version)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(h))
}

// notifyAfter chains a rotation-due push onto a successful sweep run.
func notifyAfter(run func(context.Context) error, st store.Store, notifier mcp.OrgNotifier) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := run(ctx); err != nil {
			return err
		}
		return notifyRotationDue(ctx, st, notifier)
	}
}

// notifyRotationDue tells each connected organization which of its services
// hold credentials flagged for rotation. Orgs without a live session are
// skipped by the notifier.
func notifyRotationDue(ctx context.Context, st store.Store, notifier mcp.OrgNotifier) error {
	flagged := true
	recs, err := st.ListCredentials(ctx, store.CredentialFilter{RotationRequired: &flagged})
	if err != nil {
		return err
	}

	byOrg := make(map[string][]string)
	seen := make(map[string]struct{})
	for _, rec := range recs {
		key := rec.OrgID + "/" + rec.Service
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		byOrg[rec.OrgID] = append(byOrg[rec.OrgID], rec.Service)
	}

	for orgID, services := range byOrg {
		if err := notifier.Notify(ctx, orgID, map[string]any{
			"type":     "rotation_due",
			"services": services,
		}); err != nil {
			return err
		}
	}
	return nil
}
