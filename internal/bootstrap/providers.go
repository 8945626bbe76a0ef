package bootstrap

import (
	"time"

	"noesis/internal/adapters/ai"
	"noesis/internal/adapters/config"
	errnoop "noesis/internal/adapters/errors/noop"
	"noesis/internal/adapters/errors/sentry"
	"noesis/internal/adapters/memctx"
	pgclient "noesis/internal/adapters/postgres"
	redisclient "noesis/internal/adapters/redis"
	"noesis/internal/api"
	"noesis/internal/api/health"
	"noesis/internal/api/stream"
	"noesis/internal/checkpoint"
	"noesis/internal/engine"
	pgrepo "noesis/internal/repository/postgres"
	"noesis/internal/session"
	"noesis/internal/workers"
	"noesis/pkg/errors"
	"noesis/pkg/logger"
)

// ========================================
// Phase 1: Configuration & Logging
// ========================================

// MustInitConfig loads configuration and initializes logger
func (c *Container) MustInitConfig() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	c.Config = cfg

	// Initialize logger
	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}

	c.Log = logger.Get()
	c.Log.Infof("Starting %s in %s mode", cfg.App.Name, cfg.App.Env)

	// Initialize error tracker
	c.ErrorTracker = provideErrorTracker(cfg, c.Log)
	logger.SetErrorTracker(c.ErrorTracker)
}

// ========================================
// Phase 2: Infrastructure Layer
// ========================================

// MustInitInfrastructure initializes data stores. Redis is mandatory: the
// checkpoint store lives there and startup without it is a hard failure.
// Postgres is the optional reasoning log.
func (c *Container) MustInitInfrastructure() {
	var err error

	c.Log.Info("Connecting to Redis...")
	c.Redis, err = redisclient.NewClient(c.Config.Redis)
	if err != nil {
		c.Log.Fatalf("failed to connect redis: %v", err)
	}
	c.Log.Info("✓ Redis connected")

	if c.Config.Postgres.Enabled {
		c.Log.Info("Connecting to PostgreSQL...")
		c.PG, err = pgclient.NewClient(c.Config.Postgres)
		if err != nil {
			c.Log.Fatalf("failed to connect postgres: %v", err)
		}
		c.Log.Info("✓ PostgreSQL connected")
	} else {
		c.Log.Info("Reasoning log disabled, skipping PostgreSQL")
	}
}

// ========================================
// Phase 3: Engine Layer
// ========================================

// MustInitEngine wires the completion client, checkpoint store, context
// provider, state machine and session manager
func (c *Container) MustInitEngine() {
	client, err := ai.NewOpenAIClient(c.Config.AI)
	if err != nil {
		c.Log.Fatalf("failed to init completion client: %v", err)
	}
	c.Completion = client
	c.Log.Infof("✓ Completion client ready (model: %s)", c.Config.AI.Model)

	c.Checkpoints = checkpoint.NewStore(c.Redis, c.Config.Checkpoint)

	if c.Config.ContextProvider.Enabled {
		c.ContextProvider = memctx.NewHTTPProvider(c.Config.ContextProvider)
		c.Log.Infof("✓ Context provider enabled (%s)", c.Config.ContextProvider.BaseURL)
	}

	if c.PG != nil {
		c.ReasoningLog = pgrepo.NewReasoningRepository(c.PG.DB())
	}

	c.Engine = engine.New(c.Completion, c.Checkpoints, c.ContextProvider, nil, engine.Options{
		MaxRetries:      c.Config.Engine.MaxRetries,
		SessionTimeout:  c.Config.Engine.SessionTimeout,
		ContextSnippets: c.Config.Engine.ContextSnippets,
		ContextLimit:    c.Config.ContextProvider.Limit,
		ContextMinScore: c.Config.ContextProvider.MinScore,
		SaveFrequency:   c.Config.Checkpoint.SaveFrequency,
		Temperature:     c.Config.AI.Temperature,
	})

	c.Hub = stream.NewHub()
	c.Sessions = session.NewManager(c.Config.Engine, c.Engine, c.Checkpoints, c.ReasoningLog, c.Hub)
	c.Log.Infof("✓ Session manager ready (max %d concurrent)", c.Config.Engine.MaxSessions)
}

// ========================================
// Phase 4: Application Layer
// ========================================

// MustInitApplication wires HTTP handlers and the server
func (c *Container) MustInitApplication() {
	var pgPinger health.Pinger
	if c.PG != nil {
		pgPinger = c.PG
	}
	c.Application.HealthHandler = health.New(
		c.Log,
		c.Redis,
		pgPinger,
		c.Completion,
		c.Config.App.Name,
		c.Config.App.Version,
	)

	reasoningHandler := api.NewReasoningHandler(c.Sessions, c.Checkpoints, c.ReasoningLog)

	c.Application.HTTPServer = api.NewServer(api.ServerConfig{
		Port:         c.Config.Server.Port,
		ServiceName:  c.Config.App.Name,
		Version:      c.Config.App.Version,
		ReadTimeout:  c.Config.Server.ReadTimeout,
		WriteTimeout: c.Config.Server.WriteTimeout,
	}, reasoningHandler, c.Application.HealthHandler, c.Hub, c.Log)
}

// ========================================
// Phase 5: Background Processing
// ========================================

// MustInitBackground registers background workers
func (c *Container) MustInitBackground() {
	scheduler := workers.NewScheduler()

	interval := c.Config.Workers.CheckpointSweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	scheduler.RegisterWorker(workers.NewCheckpointSweeperWorker(
		c.Checkpoints,
		interval,
		c.Config.Workers.CheckpointSweepEnabled,
	))

	c.Background.WorkerScheduler = scheduler
}

// provideErrorTracker initializes error tracking (Sentry or no-op)
func provideErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return errnoop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return errnoop.New()
	}

	log.Info("Error tracking initialized (Sentry)")
	return tracker
}
