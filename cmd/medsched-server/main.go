package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medsched/medsched/internal/clock"
	"github.com/medsched/medsched/internal/config"
	"github.com/medsched/medsched/internal/domain/directory"
	"github.com/medsched/medsched/internal/domain/notification"
	"github.com/medsched/medsched/internal/domain/scheduling"
	"github.com/medsched/medsched/internal/platform/audit"
	"github.com/medsched/medsched/internal/platform/auth"
	"github.com/medsched/medsched/internal/platform/db"
	"github.com/medsched/medsched/internal/platform/lock"
	"github.com/medsched/medsched/internal/platform/middleware"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "medsched-server",
		Short: "Appointment scheduling and notification API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server with background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the hold sweeper, notification dispatcher and reminder producer without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
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
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Populate the directory with fake patients and doctors",
		RunE: func(cmd *cobra.Command, args []string) error {
			patients, _ := cmd.Flags().GetInt("patients")
			doctors, _ := cmd.Flags().GetInt("doctors")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := directory.NewService(directory.NewPatientRepoPG(pool), directory.NewDoctorRepoPG(pool))
			return seed(ctx, svc, patients, doctors)
		},
	}
	cmd.Flags().Int("patients", 25, "Number of patients to create")
	cmd.Flags().Int("doctors", 5, "Number of doctors to create")
	return cmd
}

func seed(ctx context.Context, svc *directory.Service, patients, doctors int) error {
	specialties := []string{
		"General Practice", "Cardiology", "Dermatology",
		"Pediatrics", "Orthopedics", "Neurology",
	}

	for i := 0; i < doctors; i++ {
		email := gofakeit.Email()
		phone := gofakeit.Phone()
		d := &directory.Doctor{
			FirstName: gofakeit.FirstName(),
			LastName:  gofakeit.LastName(),
			Specialty: specialties[i%len(specialties)],
			Email:     &email,
			Phone:     &phone,
		}
		if err := svc.CreateDoctor(ctx, d); err != nil {
			return fmt.Errorf("seed doctor: %w", err)
		}
		fmt.Printf("doctor  %s  %s (%s)\n", d.ID, d.FullName(), d.Specialty)
	}

	for i := 0; i < patients; i++ {
		email := gofakeit.Email()
		phone := gofakeit.Phone()
		birth := gofakeit.DateRange(
			time.Now().AddDate(-90, 0, 0),
			time.Now().AddDate(-18, 0, 0),
		)
		p := &directory.Patient{
			FirstName: gofakeit.FirstName(),
			LastName:  gofakeit.LastName(),
			Email:     &email,
			Phone:     &phone,
			BirthDate: &birth,
		}
		if err := svc.CreatePatient(ctx, p); err != nil {
			return fmt.Errorf("seed patient: %w", err)
		}
		fmt.Printf("patient %s  %s\n", p.ID, p.FullName())
	}
	return nil
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed development token",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}

			token, err := auth.IssueToken([]byte(cfg.JWTSecret), subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("subject", "dev-user", "Token subject")
	cmd.Flags().StringSlice("roles", []string{"admin"}, "Roles claim")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// deps holds everything both the server and the standalone worker wire up.
type deps struct {
	cfg        *config.Config
	log        zerolog.Logger
	pool       *pgxpool.Pool
	schedSvc   *scheduling.Service
	dirSvc     *directory.Service
	attempts   notification.AttemptRepository
	sweeper    *scheduling.Sweeper
	dispatcher *notification.Dispatcher
	reminder   *notification.ReminderProducer
}

func buildDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")

	clk := clock.NewSystem()
	recorder := audit.NewLogRecorder(logger)
	txRunner := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.WithTx(ctx, pool, fn)
	}

	var locker lock.SlotLocker = lock.NewNoopLocker()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			pool.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		locker = lock.NewRedisSlotLocker(client, cfg.HoldTTL)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("slot locking via redis")
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, relying on the database constraint alone for slot arbitration")
	}

	patientRepo := directory.NewPatientRepoPG(pool)
	doctorRepo := directory.NewDoctorRepoPG(pool)
	dirSvc := directory.NewService(patientRepo, doctorRepo)

	outboxRepo := notification.NewOutboxRepoPG(pool)
	attemptRepo := notification.NewAttemptRepoPG(pool)

	schedRepo := scheduling.NewAppointmentRepoPG(pool)
	schedSvc := scheduling.NewService(schedRepo, patientRepo, doctorRepo, outboxRepo, scheduling.Options{
		HoldTTL:      cfg.HoldTTL,
		CancelNotice: cfg.CancelNotice,
		Locker:       locker,
		Clock:        clk,
		Audit:        recorder,
		Logger:       logger,
		Tx:           txRunner,
	})

	transports := map[string]notification.Transport{}
	if cfg.SMTPHost != "" {
		transports[notification.ChannelEmail] = notification.NewEmailTransport(
			cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
	}
	if cfg.SMSGatewayURL != "" {
		transports[notification.ChannelSMS] = notification.NewSMSTransport(cfg.SMSGatewayURL)
	}
	if cfg.PushGatewayURL != "" {
		transports[notification.ChannelPush] = notification.NewPushTransport(cfg.PushGatewayURL)
	}
	if len(transports) == 0 {
		logger.Warn().Msg("no notification transports configured, outbox events will not be delivered")
	}

	dispatcher := notification.NewDispatcher(outboxRepo, attemptRepo, transports, notification.NewTemplateEngine(),
		notification.DispatcherOptions{
			Interval:    cfg.DispatchInterval,
			BatchSize:   cfg.DispatchBatch,
			MaxRetries:  cfg.MaxRetries,
			SendTimeout: cfg.SendTimeout,
			Clock:       clk,
			Logger:      logger,
			Tx:          txRunner,
		})

	sweeper := scheduling.NewSweeper(schedRepo, clk, recorder, logger, cfg.SweepInterval)
	reminder := notification.NewReminderProducer(outboxRepo, clk, logger, cfg.ReminderLead, time.Minute)

	return &deps{
		cfg:        cfg,
		log:        logger,
		pool:       pool,
		schedSvc:   schedSvc,
		dirSvc:     dirSvc,
		attempts:   attemptRepo,
		sweeper:    sweeper,
		dispatcher: dispatcher,
		reminder:   reminder,
	}, nil
}

// startWorkers launches the background loops and returns a func that blocks
// until they have all drained.
func (d *deps) startWorkers(ctx context.Context) func() {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); d.sweeper.Run(ctx) }()
	go func() { defer wg.Done(); d.dispatcher.Run(ctx) }()
	go func() { defer wg.Done(); d.reminder.Run(ctx) }()
	return wg.Wait
}

func runWorker() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Close()

	d.log.Info().Msg("worker started")
	wait := d.startWorkers(ctx)
	wait()
	d.log.Info().Msg("worker stopped")
	return nil
}

func runServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Close()
	cfg, logger := d.cfg, d.log

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(d.pool))

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() && cfg.JWTSecret == "" {
		logger.Warn().Msg("running with development auth, every request is admin")
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware([]byte(cfg.JWTSecret)))
	}
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	directory.NewHandler(d.dirSvc).RegisterRoutes(apiV1)
	scheduling.NewHandler(d.schedSvc).RegisterRoutes(apiV1)
	notification.NewHandler(d.attempts).RegisterRoutes(apiV1)

	wait := d.startWorkers(ctx)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("server started")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server stopped unexpectedly")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	wait()
	logger.Info().Msg("shutdown complete")
	return nil
}
