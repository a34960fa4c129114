package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mkarlsen/CrewDesk/app/controllers"
	"github.com/mkarlsen/CrewDesk/internal/pkg/cache"
	"github.com/mkarlsen/CrewDesk/internal/pkg/database"
	"github.com/mkarlsen/CrewDesk/internal/pkg/dispatch"
	"github.com/mkarlsen/CrewDesk/internal/pkg/env"
	"github.com/mkarlsen/CrewDesk/internal/pkg/metrics/counter"
	"github.com/mkarlsen/CrewDesk/internal/pkg/reconcile"
	"github.com/mkarlsen/CrewDesk/internal/pkg/router"
)

func main() {
	app, queue := NewApplication()
	defer queue.Stop()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal().Err(err).Msg("server stopped")
}

// NewApplication wires configuration, storage, the reconciliation engine and
// the HTTP surface.
func NewApplication() (*fiber.App, *dispatch.Queue) {
	env.SetupEnvFile()
	setupLogging()
	database.SetupDatabase()
	cache.SetupCache()

	repo := reconcile.NewRepository(database.GetDB())
	cfg := reconcile.Config{
		DedupWindow: env.GetEnvDuration("DEDUP_WINDOW_SECONDS", 60*time.Second),
		TrialPeriod: time.Duration(env.GetEnvInt("TRIAL_PERIOD_DAYS", 14)) * 24 * time.Hour,
	}

	queue := dispatch.NewQueue(
		cache.GetClient(),
		serviceAccessHandler,
		env.GetEnvInt("DISPATCH_WORKERS", 2),
		log.With().Str("component", "dispatch").Logger(),
	)
	queue.Start()

	engine := reconcile.NewEngine(repo, queue, cfg, log.With().Str("component", "reconcile").Logger())
	controllers.InitializeBillingController(engine)
	controllers.InitializeAdminBillingController(reconcile.NewService(repo, cfg))

	go pendingSweeper(engine)
	go counterFlusher()

	app := fiber.New(fiber.Config{
		AppName:      "CrewDesk",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	app.Use(recover.New())
	app.Use(fiberlogger.New())

	router.InstallRouter(app)

	return app, queue
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env.IsDev() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.DebugLevel)
	}
	log.Logger = logger
}

// serviceAccessHandler is the tenant-facing side effect of a billing status
// change. The actual access toggling and notification fan-out live in the
// platform's messaging pipeline; this handler is the seam.
func serviceAccessHandler(ctx context.Context, job dispatch.Job) error {
	log.Info().
		Uint("tenant_id", job.TenantID).
		Str("old_status", job.OldStatus).
		Str("new_status", job.NewStatus).
		Msg("toggling tenant service access")
	return nil
}

// pendingSweeper settles ledger reservations orphaned by a crash between
// claim and finalize.
func pendingSweeper(engine *reconcile.Engine) {
	interval := env.GetEnvDuration("SWEEP_INTERVAL_SECONDS", 5*time.Minute)
	olderThan := env.GetEnvDuration("SWEEP_PENDING_AGE_SECONDS", 10*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		n, err := engine.SweepPending(ctx, olderThan)
		cancel()
		if err != nil {
			log.Error().Err(err).Msg("pending sweep failed")
			continue
		}
		if n > 0 {
			log.Info().Int("settled", n).Msg("pending sweep settled events")
		}
	}
}

func counterFlusher() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		if err := counter.FlushOutcomes(); err != nil {
			log.Error().Err(err).Msg("outcome counter flush failed")
		}
	}
}
