package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/crawltypes"
	"github.com/ternarybob/nuntius/internal/events"
	"github.com/ternarybob/nuntius/internal/handlers"
	"github.com/ternarybob/nuntius/internal/interfaces"
	"github.com/ternarybob/nuntius/internal/models"
	"github.com/ternarybob/nuntius/internal/orchestrator"
	"github.com/ternarybob/nuntius/internal/scheduler"
	"github.com/ternarybob/nuntius/internal/services/orchestration"
	"github.com/ternarybob/nuntius/internal/storage"
	"github.com/ternarybob/nuntius/internal/tasks"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager
	Bus            interfaces.EventBus
	Orchestrator   interfaces.Orchestrator
	CrawlTypes     *crawltypes.Registry
	Orchestration  *orchestration.Service
	Scheduler      *scheduler.Service

	// HTTP handlers
	TaskHandler     *handlers.TaskHandler
	CrawlHandler    *handlers.CrawlHandler
	PlaceHubHandler *handlers.PlaceHubHandler
	StatusHandler   *handlers.StatusHandler
	EventsHandler   *handlers.EventsHandler
	WSHandler       *handlers.WebSocketHandler
}

// New wires the application together: storage, event bus, orchestrator with
// its registered task types, the orchestration facade, the maintenance
// scheduler, and the HTTP handlers. Nothing runs until Start.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	storageManager, err := storage.NewStorageManager(logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.StorageManager = storageManager

	app.Bus = events.NewBus(logger, &cfg.Events)

	types, err := crawltypes.Load(cfg.CrawlTypes.Dir, logger)
	if err != nil {
		app.closePartial()
		return nil, fmt.Errorf("failed to load crawl types: %w", err)
	}
	app.CrawlTypes = types

	app.Orchestrator = orchestrator.New(&cfg.Orchestrator, storageManager, app.Bus, logger)
	app.Orchestrator.RegisterTaskType(
		models.TaskTypeCrawl,
		orchestrator.NewCrawlTaskFactory(&cfg.Crawler, cfg.Store.Path, logger),
		interfaces.TaskTypeOptions{Class: models.TaskClassCrawl, Pausable: true, Resumable: true},
	)

	app.Orchestration = orchestration.NewService(cfg, app.Orchestrator, storageManager, types, logger)

	// Background sweep types guess hubs through the facade, so they register
	// after it exists.
	tasks.Register(app.Orchestrator, app.Orchestration, logger)

	if cfg.Scheduler.Enabled {
		app.Scheduler = scheduler.NewService(cfg.Scheduler, app.Orchestration, logger)
	} else {
		logger.Debug().Msg("Maintenance scheduler disabled by config")
	}

	app.initHandlers()

	logger.Info().
		Int("crawl_types", types.Len()).
		Bool("scheduler", app.Scheduler != nil).
		Msg("Application wiring complete")
	return app, nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.TaskHandler = handlers.NewTaskHandler(a.Orchestration, a.Logger)
	a.CrawlHandler = handlers.NewCrawlHandler(a.Orchestration, a.Logger)
	a.PlaceHubHandler = handlers.NewPlaceHubHandler(a.Orchestration, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.Orchestration, a.Logger)
	a.EventsHandler = handlers.NewEventsHandler(a.Bus, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.Bus, &a.Config.WebSocket, a.Logger)
}

// Start recovers interrupted tasks, then brings up the orchestrator loop,
// the websocket broadcaster, and the maintenance scheduler.
func (a *App) Start(ctx context.Context) error {
	recovered, err := a.Orchestrator.RecoverInterruptedTasks(ctx)
	if err != nil {
		return fmt.Errorf("task recovery failed: %w", err)
	}
	if recovered > 0 {
		a.Logger.Info().Int("tasks", recovered).Msg("Recovered interrupted tasks")
	}

	a.Orchestrator.Start()
	a.WSHandler.Start()

	if a.Scheduler != nil {
		if err := a.Scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	return nil
}

// Close stops components in reverse dependency order: the scheduler stops
// enqueueing, the orchestrator drains its runners, then the broadcast
// surfaces and stores close.
func (a *App) Close(ctx context.Context) error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}

	if a.Orchestrator != nil {
		if err := a.Orchestrator.Stop(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Orchestrator stop incomplete")
		}
	}

	if a.WSHandler != nil {
		a.WSHandler.Stop()
	}
	if a.Bus != nil {
		a.Bus.Close()
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
	}

	a.Logger.Info().Msg("Application closed")
	return nil
}

// closePartial tears down what New built before it failed
func (a *App) closePartial() {
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.StorageManager != nil {
		a.StorageManager.Close()
	}
}
