package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/medledger/internal/config"
	"github.com/ehr/medledger/internal/domain/account"
	"github.com/ehr/medledger/internal/domain/record"
	"github.com/ehr/medledger/internal/ledger/gateway"
	"github.com/ehr/medledger/internal/ledger/reader"
	"github.com/ehr/medledger/internal/ledger/vault"
	"github.com/ehr/medledger/internal/platform/db"
	"github.com/ehr/medledger/internal/platform/middleware"
	"github.com/ehr/medledger/internal/platform/telemetry"
	"github.com/ehr/medledger/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "medledger",
		Short:        "Hospital ledger bridge",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(walletCmd())
	rootCmd.AddCommand(secretCmd())
	rootCmd.AddCommand(patientsCmd())
	rootCmd.AddCommand(historyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return logger.Level(level)
}

// bridge holds the wired components for commands that talk to the ledger.
type bridge struct {
	pool    *pgxpool.Pool
	node    *gateway.RPCNode
	vault   *vault.Vault
	gateway *gateway.Gateway
	service *record.Service
}

func (b *bridge) Close() {
	if b.node != nil {
		_ = b.node.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

// openBridge validates cfg and connects to both the account store and the ledger node.
func openBridge(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	milestones, err := cfg.Milestones()
	if err != nil {
		return nil, err
	}

	b := &bridge{}
	b.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
	if err != nil {
		return nil, err
	}

	b.vault, err = vault.New(account.NewRepo(b.pool), cfg.LedgerSystemSecret, logger)
	if err != nil {
		b.Close()
		return nil, err
	}

	b.node, err = gateway.Connect(ctx, cfg.LedgerNodeURL, cfg.LedgerConnectTimeout, logger)
	if err != nil {
		b.Close()
		return nil, err
	}

	b.gateway = gateway.New(b.node, cfg.GatewayOptions(), logger)
	rd := reader.New(b.node, b.vault, cfg.LedgerReadConcurrency, logger).WithMaxScan(cfg.LedgerMaxScan)
	b.service = record.NewService(b.vault, b.gateway, rd, milestones, logger)
	return b, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the ledger and serve health probes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	b, err := openBridge(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start ledger bridge")
		return err
	}
	defer b.Close()

	metrics := telemetry.New()
	b.service.WithRecorder(metrics)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.NoStore())
	e.Use(middleware.ProbeTimeout(10 * time.Second))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/readyz", db.HealthHandler(b.pool,
		db.PoolCheck(b.pool),
		db.Check{Name: "ledger", Probe: b.gateway.Health},
	))
	e.GET("/metrics", metrics.Handler())

	go func() {
		addr := ":" + cfg.OpsPort
		logger.Info().Str("addr", addr).Msg("ops server starting")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("ops server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-b.node.Done():
		logger.Error().Msg("ledger connection lost, shutting down")
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	logger.Info().Msg("stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the account store schema",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, migrations.Files).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s).\n", count)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, migrations.Files).Status(ctx)
				if err != nil {
					return fmt.Errorf("migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(upCmd, statusCmd)
	return cmd
}

// withPool runs fn against the account store only; the ledger is not contacted.
func withPool(fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, newLogger(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

// withVault runs fn with the vault over the account store. The ledger node is neither
// validated nor contacted.
func withVault(fn func(ctx context.Context, v *vault.Vault) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateVault(); err != nil {
		return err
	}
	logger := newLogger(cfg)
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	v, err := vault.New(account.NewRepo(pool), cfg.LedgerSystemSecret, logger)
	if err != nil {
		return err
	}
	return fn(ctx, v)
}

// withBridge runs fn with every component wired.
func withBridge(fn func(ctx context.Context, b *bridge) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	b, err := openBridge(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b)
}
