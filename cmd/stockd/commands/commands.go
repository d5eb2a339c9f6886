package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stockd/core/internal/adapters/audit"
	"github.com/stockd/core/internal/adapters/delivery"
	"github.com/stockd/core/internal/adapters/ratelimit"
	"github.com/stockd/core/internal/adapters/repository"
	"github.com/stockd/core/internal/application/services"
	"github.com/stockd/core/internal/domain/entities"
	"github.com/stockd/core/internal/infrastructure/config"
	"github.com/stockd/core/internal/infrastructure/database"
	"github.com/stockd/core/internal/infrastructure/logger"
	"github.com/stockd/core/internal/infrastructure/metrics"
	"github.com/stockd/core/internal/infrastructure/server"
	"github.com/stockd/core/internal/ports"
)

// Set at build time with -ldflags "-X github.com/stockd/core/cmd/stockd/commands.Version=..."
var (
	Version = "dev"
	Commit  = "none"
)

const shutdownTimeout = 15 * time.Second

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the stockd HTTP server",
		Long:  "Start the HTTP server with the dispense, stock, inbox and restock routes and the stock refresh loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// NewStockCommand creates the stock command
func NewStockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stock",
		Short: "Print the number of records left per category",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadCore()
			if err != nil {
				return err
			}
			defer c.logger.Sync()

			c.cache.RefreshAll(cmd.Context())

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CATEGORY\tRECORDS")
			for _, level := range c.cache.Snapshot() {
				count := fmt.Sprintf("%d", level.Count)
				if !level.Known {
					count = "unknown"
				}
				fmt.Fprintf(w, "%s\t%s\n", level.Label, count)
			}
			return w.Flush()
		},
	}
}

// NewDispenseCommand creates the dispense command
func NewDispenseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispense <category>",
		Short: "Pop one record and print it",
		Long:  "Pop the first record of a category and print it to stdout. The claim is audited like an HTTP dispense.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, _ := cmd.Flags().GetString("operator")

			c, err := loadCore()
			if err != nil {
				return err
			}
			defer c.logger.Sync()

			category, err := c.category(args[0])
			if err != nil {
				return err
			}

			dispenseService := services.NewDispenseService(
				c.queue,
				writerDeliverer{w: cmd.OutOrStdout()},
				audit.NewLoggerSink(c.logger),
				c.recorder,
				c.logger,
			)

			_, err = dispenseService.Dispense(cmd.Context(), ports.DispenseRequest{
				RequesterID:   operator,
				RequesterName: operator,
				Category:      category,
			})
			if errors.Is(err, entities.ErrOutOfStock) {
				return fmt.Errorf("%s is out of stock", category.Label())
			}
			return err
		},
	}

	cmd.Flags().String("operator", "cli", "Name recorded in the audit log")
	return cmd
}

// NewRestockCommand creates the restock command
func NewRestockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restock <category> <file.txt>",
		Short: "Append the lines of a text file to a category",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadCore()
			if err != nil {
				return err
			}
			defer c.logger.Sync()

			category, err := c.category(args[0])
			if err != nil {
				return err
			}

			path := args[1]
			if !strings.EqualFold(filepath.Ext(path), ".txt") {
				return fmt.Errorf("%w: %s is not a .txt file", entities.ErrInvalidPayload, filepath.Base(path))
			}

			payload, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}

			added, err := c.queue.Restock(cmd.Context(), category, payload)
			c.logger.LogRestock("cli", string(category), added, err)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Added %d records to %s\n", added, category.Label())
			return nil
		},
	}
}

// NewTokenCommand creates the token command
func NewTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			name, _ := cmd.Flags().GetString("name")
			role, _ := cmd.Flags().GetString("role")
			created, _ := cmd.Flags().GetString("created")

			if userID == "" {
				return errors.New("--user is required")
			}
			if !entities.UserRole(role).IsValid() {
				return fmt.Errorf("unknown role %q (admin, member, guest)", role)
			}

			createdAt := time.Now()
			if created != "" {
				t, err := parseDate(created)
				if err != nil {
					return err
				}
				createdAt = t
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			authService := services.NewAuthService(cfg.JWT, logger.NewNop())
			token, err := authService.IssueToken(ports.Claims{
				UserID:           userID,
				Username:         name,
				Role:             entities.UserRole(role),
				AccountCreatedAt: createdAt,
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().String("user", "", "User ID (required)")
	cmd.Flags().String("name", "", "Display name")
	cmd.Flags().String("role", string(entities.UserRoleMember), "User role (admin, member, guest)")
	cmd.Flags().String("created", "", "Account creation date, YYYY-MM-DD or RFC3339 (default now)")
	return cmd
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print stockd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stockd %s (commit %s)\n", Version, Commit)
		},
	}
}

// core is the stock subsystem shared by the server and the CLI commands
type core struct {
	cfg      *config.Config
	logger   *logger.Logger
	recorder *metrics.Recorder
	cache    *services.StockCache
	queue    *services.StockQueue
}

func newCore(cfg *config.Config, appLogger *logger.Logger) (*core, error) {
	store, err := repository.NewFileLineStore(cfg.Stock.DataDir)
	if err != nil {
		return nil, err
	}

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder = metrics.New()
	}

	categories := cfg.Stock.CategorySet()
	cache := services.NewStockCache(store, categories, recorder, appLogger)
	queue := services.NewStockQueue(store, services.NewLockTable(categories), cache, recorder, appLogger)

	return &core{
		cfg:      cfg,
		logger:   appLogger,
		recorder: recorder,
		cache:    cache,
		queue:    queue,
	}, nil
}

// loadCore builds the core for one-shot commands. Their logs go to stderr so
// stdout only carries the command output.
func loadCore() (*core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Logger.Output != "file" {
		cfg.Logger.Output = "stderr"
	}

	appLogger, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return newCore(cfg, appLogger)
}

func (c *core) category(arg string) (entities.Category, error) {
	category := entities.ParseCategory(arg)
	for _, known := range c.cfg.Stock.CategorySet() {
		if known == category {
			return category, nil
		}
	}
	return "", fmt.Errorf("%w: %s (configured: %s)", entities.ErrUnknownCategory, arg, strings.Join(c.cfg.Stock.Categories, ", "))
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.JWT.RequireSecret(); err != nil {
		return err
	}

	appLogger, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newCore(cfg, appLogger)
	if err != nil {
		return err
	}

	cooldown, readyChecks, closeCooldown, err := newCooldown(ctx, cfg, appLogger)
	if err != nil {
		return err
	}
	defer closeCooldown()

	inbox := delivery.NewInbox()
	deps := server.Dependencies{
		Auth:        services.NewAuthService(cfg.JWT, appLogger.WithComponent("auth")),
		Dispense:    services.NewDispenseService(c.queue, inbox, audit.NewLoggerSink(appLogger), c.recorder, appLogger),
		Restock:     services.NewRestockService(c.queue, cfg.Stock.CategorySet(), cfg.Restock, appLogger),
		Stock:       c.cache,
		Cooldown:    cooldown,
		Inbox:       inbox,
		Recorder:    c.recorder,
		ReadyChecks: readyChecks,
	}

	srv, err := server.New(ctx, cfg, deps, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	go c.cache.Run(ctx, cfg.Stock.RefreshInterval)

	appLogger.Infow("Starting stockd",
		"port", cfg.Server.Port,
		"environment", cfg.App.Environment,
		"data_dir", cfg.Stock.DataDir,
		"categories", cfg.Stock.Categories,
		"cooldown_backend", cfg.Gate.CooldownBackend,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	// Stop the refresh loop and any restock sessions before draining.
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	appLogger.Info("Server stopped")
	return nil
}

func newCooldown(ctx context.Context, cfg *config.Config, appLogger *logger.Logger) (ports.CooldownStore, map[string]func(context.Context) error, func(), error) {
	if cfg.Gate.CooldownBackend != "redis" {
		return ratelimit.NewMemoryCooldown(cfg.Gate.Cooldown), nil, func() {}, nil
	}

	rdb, err := database.NewRedis(ctx, cfg.Redis, appLogger.WithComponent("redis"))
	if err != nil {
		return nil, nil, nil, err
	}

	checks := map[string]func(context.Context) error{"redis": rdb.HealthCheck}
	closeFn := func() {
		if err := rdb.Close(); err != nil {
			appLogger.Warnw("Failed to close redis", "error", err)
		}
	}
	return ratelimit.NewRedisCooldown(rdb.Client, cfg.Gate.Cooldown), checks, closeFn, nil
}

// writerDeliverer prints dispensed records, one per line
type writerDeliverer struct {
	w io.Writer
}

func (d writerDeliverer) Deliver(ctx context.Context, recipientID, label string, record entities.Record) error {
	_, err := fmt.Fprintln(d.w, record)
	return err
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD or RFC3339", s)
	}
	return t, nil
}
