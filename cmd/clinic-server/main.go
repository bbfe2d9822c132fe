package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicops/clinic/internal/config"
	"github.com/clinicops/clinic/internal/domain/booking"
	"github.com/clinicops/clinic/internal/platform/audit"
	"github.com/clinicops/clinic/internal/platform/auth"
	"github.com/clinicops/clinic/internal/platform/db"
	"github.com/clinicops/clinic/internal/platform/lock"
	"github.com/clinicops/clinic/internal/platform/logging"
	"github.com/clinicops/clinic/internal/platform/middleware"
	"github.com/clinicops/clinic/internal/platform/notification"
	"github.com/clinicops/clinic/pkg/caltime"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "clinic-server",
		Short:         "Clinic appointment booking API server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API server and the expiry sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			noSweep, _ := cmd.Flags().GetBool("no-sweep")
			return runServer(noSweep)
		},
	}
	cmd.Flags().Bool("no-sweep", false, "Do not run the expiry sweep in this process")
	return cmd
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
			cfg, pool, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationsDir(cmd, cfg)).Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, pool, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationsDir(cmd, cfg)).Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
		cmd.AddCommand(c)
	}
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expiry sweep for unconfirmed bookings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one expiry pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := bootstrap()
			if err != nil {
				return err
			}
			defer closeLog.Close()

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.sweeper.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "candidates=%d expired=%d skipped=%d failed=%d purged=%d locked=%t\n",
				res.Candidates, res.Expired, res.Skipped, res.Failed, res.Purged, res.Locked)
			return nil
		},
	})
	return cmd
}

func openDatabase(cmd *cobra.Command) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrationsDir(cmd *cobra.Command, cfg *config.Config) string {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir
	}
	return cfg.MigrationsDir
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// bootstrap loads and validates configuration and builds the process logger.
func bootstrap() (*config.Config, zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, closer, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Pretty: cfg.IsDev(),
		File:   cfg.LogFile,
	})
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("init logger: %w", err)
	}
	if cfg.IsDev() {
		logger.Warn().Msg("running in development mode: requests without a token act as admin")
	}
	return cfg, logger, closer, nil
}

// app owns the long-lived collaborators behind the booking API.
type app struct {
	logger     zerolog.Logger
	pool       *pgxpool.Pool
	redis      redis.UniversalClient
	dispatcher *notification.Dispatcher
	recorder   *audit.LogRecorder
	stopWork   context.CancelFunc

	service   *booking.Service
	schedules *booking.ScheduleManager
	sweeper   *booking.Sweeper
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	clock, err := caltime.NewZoneClock(cfg.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("clinic timezone: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")

	a := &app{logger: logger, pool: pool}

	var sink notification.Sink = notification.NewLogSink(logger)
	var locker lock.Locker = lock.Local{}
	if cfg.RedisURL != "" {
		client, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.redis = client
		sink = notification.NewRedisSink(client, cfg.NotifyChannel)
		locker = lock.NewRedisLocker(client, "clinic:lock:")
		logger.Info().Str("channel", cfg.NotifyChannel).Msg("connected to redis")
	}

	workCtx, stop := context.WithCancel(context.Background())
	a.stopWork = stop
	a.dispatcher = notification.NewDispatcher(sink, notification.NewTemplateEngine(), logger)
	a.dispatcher.Start(workCtx)
	a.recorder = audit.NewLogRecorder(logger, 0)

	opts := []booking.Option{
		booking.WithClock(clock),
		booking.WithLogger(logger),
		booking.WithNotifier(a.dispatcher),
		booking.WithAuditor(a.recorder),
		booking.WithLocker(locker),
		booking.WithCancelFence(cfg.CancelFence),
		booking.WithHoldTTL(cfg.HoldTTL),
	}

	tx := db.NewTxManager(pool)
	slots := booking.NewTimeslotRepoPG(pool)
	appts := booking.NewAppointmentRepoPG(pool)
	schedules := booking.NewScheduleRepoPG(pool)

	a.service = booking.NewService(tx, slots, appts, opts...)
	a.schedules = booking.NewScheduleManager(tx, schedules, slots, appts, opts...)
	a.sweeper = booking.NewSweeper(a.service, appts, slots, cfg.SweepInterval, opts...)
	return a, nil
}

func openRedis(ctx context.Context, url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Close drains queued notifications and audit entries before closing the
// connections they may still need.
func (a *app) Close() {
	a.dispatcher.Close()
	a.stopWork()
	a.recorder.Close()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.pool.Close()
}

func newRouter(cfg *config.Config, logger zerolog.Logger, h *booking.Handler, pinger db.Pinger, recorder audit.Recorder) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.AuthSigningKey == "" {
		jwtCfg.SigningKey = nil
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pinger))

	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rl), middleware.Audit(logger, recorder))
	h.RegisterRoutes(apiV1)

	return e
}

func runServer(noSweep bool) error {
	cfg, logger, closeLog, err := bootstrap()
	if err != nil {
		return err
	}
	defer closeLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	e := newRouter(cfg, logger, booking.NewHandler(a.service, a.schedules), a.pool, a.recorder)

	sweepDone := make(chan struct{})
	if noSweep {
		close(sweepDone)
	} else {
		go func() {
			defer close(sweepDone)
			a.sweeper.Start(ctx)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
			stop()
			<-sweepDone
			return err
		}
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	<-sweepDone
	logger.Info().Msg("server stopped")
	return nil
}
