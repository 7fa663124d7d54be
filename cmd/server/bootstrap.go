package main

import (
	"context"
	"time"

	"github.com/huangang/statbatch/internal/batch"
	"github.com/huangang/statbatch/internal/config"
	"github.com/huangang/statbatch/internal/handlers"
	"github.com/huangang/statbatch/internal/middleware"
	"github.com/huangang/statbatch/internal/models"
	"github.com/huangang/statbatch/internal/services"
	"github.com/huangang/statbatch/internal/utils"
	"github.com/huangang/statbatch/pkg/logger"
)

const drainTimeout = 30 * time.Second

// appServices holds everything the server wires together.
type appServices struct {
	cfg          *config.Config
	engine       *batch.Engine
	restartQueue services.RestartQueue
	worker       *services.Worker
	scheduler    *services.StatsScheduler
	limiters     []*middleware.RateLimiter
	stopCleanup  context.CancelFunc

	authHandler   *handlers.AuthHandler
	adminHandler  *handlers.BatchAdminHandler
	logHandler    *handlers.BatchLogHandler
	jobHandler    *handlers.BatchJobHandler
	healthHandler *handlers.HealthHandler
}

// bootstrap initializes the database, the batch engine with its listeners, the
// restart queue and the schedulers.
func bootstrap(cfg *config.Config) *appServices {
	utils.SetJWTSecret(cfg.JWT.Secret)

	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	db := models.GetDB()

	loc, err := services.LoadLocation(cfg.Batch.Timezone)
	if err != nil {
		logger.Fatalf("Invalid batch config: %v", err)
	}

	engine := batch.NewEngine(batch.NewGormRepository(db))
	locks := services.NewBatchLockService(db, &cfg.Batch)

	stats := services.NewStatsAggregationService(db, locks, loc)
	stats.MaxRetry = cfg.Batch.MaxRetry
	if err := stats.RegisterJobs(engine); err != nil {
		logger.Fatalf("Failed to register statistics jobs: %v", err)
	}

	dispatcher, err := services.BuildNotificationDispatcher(&cfg.Notification)
	if err != nil {
		logger.Fatalf("Invalid notification config: %v", err)
	}

	logs := services.NewBatchLogService(db)
	restarts := services.NewBatchRestartService(engine)
	restartHandler := services.NewAutoRestartHandler(engine, restarts, &cfg.Batch)
	restartQueue := services.InitRestartQueue(cfg, restartHandler.Handle)

	// order matters: the log row exists before anyone reads it
	engine.AddJobListener(services.NewJobLogListener(logs))
	engine.AddStepListener(services.NewStepLogListener(logs))
	engine.AddJobListener(services.NewFailureNotificationListener(dispatcher))
	if cfg.Batch.AutoRestartEnabled {
		engine.AddJobListener(services.NewAutoRestartListener(engine.Repository(), restartQueue))
	} else {
		logger.Info().Msg("[AutoRestart] disabled by config")
	}

	var worker *services.Worker
	if restartQueue.IsAsync() {
		worker = services.NewWorker(&cfg.Redis, restartHandler.Handle)
		if worker != nil {
			if err := worker.Start(); err != nil {
				logger.Fatalf("Failed to start restart worker: %v", err)
			}
		}
	}

	scheduler, err := services.NewStatsScheduler(engine, &cfg.Batch)
	if err != nil {
		logger.Fatalf("Invalid batch config: %v", err)
	}
	if cfg.Batch.CronEnabled {
		if err := scheduler.Start(); err != nil {
			logger.Fatalf("Failed to start statistics scheduler: %v", err)
		}
	}

	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	services.StartLogCleanupScheduler(cleanupCtx, logs, cfg.Batch.LogRetentionDays)

	authService := services.NewAuthService(db, &cfg.JWT)
	if err := authService.CreateAdminIfNotExists(&cfg.Admin); err != nil {
		logger.Warn().Err(err).Msg("Failed to create admin user")
	}

	return &appServices{
		cfg:           cfg,
		engine:        engine,
		restartQueue:  restartQueue,
		worker:        worker,
		scheduler:     scheduler,
		stopCleanup:   stopCleanup,
		authHandler:   handlers.NewAuthHandler(authService),
		adminHandler:  handlers.NewBatchAdminHandler(restarts, locks),
		logHandler:    handlers.NewBatchLogHandler(logs),
		jobHandler:    handlers.NewBatchJobHandler(engine),
		healthHandler: handlers.NewHealthHandler(db, restartQueue, scheduler),
	}
}

// shutdown stops triggering new work, then drains what is in flight. Runs finish
// before the restart queue closes so a late failure still gets its restart.
func (s *appServices) shutdown() {
	s.scheduler.Stop()
	s.stopCleanup()
	for _, l := range s.limiters {
		l.Stop()
	}

	s.waitForRuns()

	if s.restartQueue != nil {
		s.restartQueue.Close()
	}
	if s.worker != nil {
		s.worker.Stop()
	}

	// restarts launched while the queue drained
	s.waitForRuns()
}

func (s *appServices) waitForRuns() {
	done := make(chan struct{})
	go func() {
		s.engine.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("All batch runs finished")
	case <-time.After(drainTimeout):
		logger.Warn().Dur("timeout", drainTimeout).Msg("Batch runs still in flight at shutdown")
	}
}
