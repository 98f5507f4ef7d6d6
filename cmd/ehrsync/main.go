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

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ehrsync/internal/config"
	"github.com/ehr/ehrsync/internal/domain/connection"
	"github.com/ehr/ehrsync/internal/domain/resource"
	"github.com/ehr/ehrsync/internal/domain/syncjob"
	"github.com/ehr/ehrsync/internal/platform/auth"
	"github.com/ehr/ehrsync/internal/platform/db"
	"github.com/ehr/ehrsync/internal/platform/middleware"
	"github.com/ehr/ehrsync/internal/platform/realtime"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ehrsync",
		Short: "EHR sync service: provider connections, sync jobs and clinical summaries",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(stageCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the progress relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			withWorker, _ := cmd.Flags().GetBool("with-worker")
			return runServer(withWorker)
		},
	}
	cmd.Flags().Bool("with-worker", false, "Also consume the sync queue in this process")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume sync jobs from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func runServer(withWorker bool) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise")
	}
	defer a.Close()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthJWTSecret),
	}
	authn := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authn = auth.DevAuthMiddleware(jwtCfg)
	}

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/ready", db.HealthHandler(a.pool, map[string]db.Check{
		"postgres": func(ctx context.Context) error { return a.pool.Ping(ctx) },
		"redis":    func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
	}))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// API
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.BodyLimit("64K"))
	limiter := middleware.RateLimit(middleware.DefaultRateLimitConfig())

	ehr := apiV1.Group("/ehr", authn, limiter)
	resource.NewHandler(a.resources).RegisterRoutes(ehr)
	syncjob.NewHandler(a.jobs).RegisterRoutes(ehr)

	hub := realtime.NewHub(logger)
	realtime.NewStreamHandler(hub, a.jobs, cfg.CORSOrigins, logger).RegisterRoutes(ehr)

	connection.NewOAuthHandler(a.registry, a.conns, cfg.FrontendRedirect, logger).
		RegisterRoutes(apiV1.Group("/oauth", limiter), authn)

	// Progress relay
	go func() {
		if err := realtime.NewRelay(a.redis, hub, logger).Run(ctx, nil); err != nil {
			logger.Error().Err(err).Msg("progress relay stopped")
		}
	}()

	if withWorker {
		srv, err := startWorker(ctx, a)
		if err != nil {
			return err
		}
		defer srv.Shutdown()
	}

	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Msg("starting ehrsync server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func runWorker() error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise")
	}
	defer a.Close()

	srv, err := startWorker(ctx, a)
	if err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info().Msg("shutting down worker")
	srv.Shutdown()
	return nil
}

// startWorker starts the queue consumer and the pruning loop for
// permanently failed tasks. Both stop with ctx or srv.Shutdown.
func startWorker(ctx context.Context, a *app) (*asynq.Server, error) {
	srv := syncjob.NewServer(a.redisOpt, a.cfg.WorkerConcurrency, a.cfg.SyncBackoffBase, a.logger)
	mux := asynq.NewServeMux()
	syncjob.NewWorker(a.jobs, a.logger).Register(mux)
	if err := srv.Start(mux); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	a.logger.Info().Int("concurrency", a.cfg.WorkerConcurrency).Msg("sync worker started")

	go pruneLoop(ctx, a.queue, a.cfg.SyncFailedRetention, a.logger)
	return srv, nil
}

func pruneLoop(ctx context.Context, q *syncjob.AsynqQueue, retention time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.PruneArchived(ctx, retention)
			if err != nil {
				logger.Warn().Err(err).Msg("prune failed sync tasks")
				continue
			}
			if n > 0 {
				logger.Info().Int("deleted", n).Msg("pruned failed sync tasks")
			}
		}
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					applied := "pending"
					appliedAt := ""
					if s.Applied {
						applied = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format(time.RFC3339)
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, applied, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
	logger := newLogger()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, dir, logger))
}

// stageCmd reruns one pipeline stage for a profile outside the queue, for
// backfills after a normalizer or cleaner change.
func stageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "stage fetch|normalize|clean",
		Short:     "Run one sync stage for a profile",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"fetch", "normalize", "clean"},
		RunE: func(cmd *cobra.Command, args []string) error {
			profileID, _ := cmd.Flags().GetString("profile-id")
			providerName, _ := cmd.Flags().GetString("provider")
			if profileID == "" {
				return errors.New("--profile-id is required")
			}

			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			adapter, err := a.registry.Get(providerName)
			if err != nil {
				return err
			}
			switch args[0] {
			case "fetch":
				err = adapter.Fetch(ctx, profileID)
			case "normalize":
				err = adapter.Normalize(ctx, profileID)
			case "clean":
				err = adapter.Clean(ctx, profileID)
			}
			if err != nil {
				return fmt.Errorf("%s %s: %w", args[0], profileID, err)
			}
			logger.Info().Str("stage", args[0]).Str("profile_id", profileID).Str("provider", providerName).Msg("stage completed")
			return nil
		},
	}
	cmd.Flags().String("profile-id", "", "Profile to process")
	cmd.Flags().String("provider", "epic", "Provider name")
	return cmd
}
