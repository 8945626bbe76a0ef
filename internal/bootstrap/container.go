package bootstrap

import (
	"context"
	"sync"

	"noesis/internal/adapters/ai"
	"noesis/internal/adapters/config"
	"noesis/internal/adapters/memctx"
	pgclient "noesis/internal/adapters/postgres"
	redisclient "noesis/internal/adapters/redis"
	"noesis/internal/api"
	"noesis/internal/api/health"
	"noesis/internal/api/stream"
	"noesis/internal/checkpoint"
	"noesis/internal/domain/reasoning"
	"noesis/internal/engine"
	"noesis/internal/session"
	"noesis/internal/workers"
	"noesis/pkg/errors"
	"noesis/pkg/logger"
)

// Container holds all application dependencies and their lifecycle
// Components are organized in initialization order
type Container struct {
	// Core configuration & logging
	Config       *config.Config
	Log          *logger.Logger
	ErrorTracker errors.Tracker

	// Infrastructure Layer (Data stores)
	Redis *redisclient.Client
	PG    *pgclient.Client // nil when the reasoning log is disabled

	// Engine Layer
	Completion      ai.CompletionClient
	ContextProvider memctx.Provider      // nil when disabled
	Checkpoints     *checkpoint.Store
	ReasoningLog    reasoning.Repository // nil when disabled
	Engine          *engine.Engine
	Sessions        *session.Manager
	Hub             *stream.Hub

	// Application Layer
	Application *Application

	// Background Processing
	Background *Background

	// Lifecycle management
	Lifecycle *Lifecycle
	WG        *sync.WaitGroup
	Context   context.Context
	Cancel    context.CancelFunc
}

// Application groups application layer components
type Application struct {
	HTTPServer    *api.Server
	HealthHandler *health.Handler
}

// Background groups all background processing components
type Background struct {
	WorkerScheduler *workers.Scheduler
}

// NewContainer creates a new dependency container
func NewContainer() *Container {
	ctx, cancel := context.WithCancel(context.Background())

	return &Container{
		Application: &Application{},
		Background:  &Background{},
		Lifecycle:   NewLifecycle(),
		WG:          &sync.WaitGroup{},
		Context:     ctx,
		Cancel:      cancel,
	}
}

// MustInit initializes all components in the correct order
// Panics on any initialization error (fail-fast at startup)
func (c *Container) MustInit() {
	c.MustInitConfig()
	c.MustInitInfrastructure()
	c.MustInitEngine()
	c.MustInitApplication()
	c.MustInitBackground()
}

// Start starts all background components
func (c *Container) Start() error {
	c.Log.Info("Starting all systems...")

	// Start background workers
	if err := c.Background.WorkerScheduler.Start(c.Context); err != nil {
		return errors.Wrap(err, "failed to start workers")
	}

	// Start HTTP server
	c.WG.Add(1)
	go func() {
		defer c.WG.Done()
		if err := c.Application.HTTPServer.Start(); err != nil {
			c.Log.Errorf("HTTP server failed: %v", err)
			c.Cancel() // Trigger shutdown on fatal HTTP error
		}
	}()

	c.Log.Info("✓ All systems operational")
	return nil
}

// Shutdown performs graceful shutdown in the correct order
func (c *Container) Shutdown() {
	c.Log.Info("Initiating graceful shutdown...")

	// Cancel application context to signal all components to stop
	c.Cancel()

	c.Lifecycle.Shutdown(
		c.WG,
		c.Application.HTTPServer,
		c.Sessions,
		c.Background.WorkerScheduler,
		c.PG,
		c.Redis,
		c.ErrorTracker,
		c.Log,
	)
}
