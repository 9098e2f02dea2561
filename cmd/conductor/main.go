// Command conductor runs the workflow orchestrator as an MCP server over
// stdio, backed by a local libSQL database.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/marqops/conductor/internal/capability"
	"github.com/marqops/conductor/internal/engine"
	"github.com/marqops/conductor/internal/expressions"
	"github.com/marqops/conductor/internal/logging"
	"github.com/marqops/conductor/internal/scheduler"
	"github.com/marqops/conductor/internal/secrets"
	"github.com/marqops/conductor/internal/service"
	"github.com/marqops/conductor/internal/store"
	"github.com/marqops/conductor/internal/validation"
	"github.com/marqops/conductor/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "conductor:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// Stdout carries the MCP transport; logs go to stderr.
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.LogLevel),
		}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	registry := capability.NewRegistry()
	if err := capability.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("register capabilities: %w", err)
	}

	var vault secrets.Vault
	if cfg.VaultPassphrase != "" {
		salt, err := loadOrCreateSalt(filepath.Join(filepath.Dir(cfg.DBPath), "vault.salt"))
		if err != nil {
			return fmt.Errorf("vault salt: %w", err)
		}
		vault, err = secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       salt,
		})
		if err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
	}
	if err := registry.Register(capability.NewHTTPRequest(capability.HTTPConfig{}, vault)); err != nil {
		return fmt.Errorf("register http capability: %w", err)
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("init expression engine: %w", err)
	}
	validator, err := validation.NewWorkflowValidator(registry, cel)
	if err != nil {
		return fmt.Errorf("init validator: %w", err)
	}

	orchestrator, err := engine.NewOrchestrator(
		registry,
		engine.NewRunRegistry(),
		st,
		engine.Config{PoolSize: cfg.PoolSize},
		logger,
	)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	defer orchestrator.Shutdown()

	svc := service.NewService(st, orchestrator, validator, logger)

	sched := scheduler.NewScheduler(st, svc, logger)
	if err := sched.Start(ctx, cfg.pollInterval()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Error("scheduler shutdown", slog.String("error", err.Error()))
		}
	}()

	server := mcp.NewConductorServer(mcp.ServerDeps{
		Service:   svc,
		Scheduler: sched,
		Logger:    logger,
	})

	logger.Info("conductor starting",
		slog.String("db_path", cfg.DBPath),
		slog.Int("pool_size", cfg.PoolSize),
		slog.String("poll_interval", cfg.pollInterval().String()),
		slog.Int("capabilities", len(registry.List())),
	)

	if err := server.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("conductor stopped")
	return nil
}

// loadOrCreateSalt reads the PBKDF2 salt next to the database, generating a
// random one on first run so the same passphrase yields the same key across
// restarts of one installation.
func loadOrCreateSalt(path string) ([]byte, error) {
	if salt, err := os.ReadFile(path); err == nil && len(salt) >= 16 {
		return salt, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
