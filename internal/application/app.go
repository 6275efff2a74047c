// Package application wires the broker together: provider client, rate
// limiters, CLI session pool, conversation trees, messaging platform, and
// the HTTP server.
package application

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nimbridge/nimbridge/internal/domain/tree"
	"github.com/nimbridge/nimbridge/internal/infrastructure/cliproc"
	"github.com/nimbridge/nimbridge/internal/infrastructure/config"
	"github.com/nimbridge/nimbridge/internal/infrastructure/provider"
	"github.com/nimbridge/nimbridge/internal/infrastructure/ratelimit"
	"github.com/nimbridge/nimbridge/internal/infrastructure/store"
	httpserver "github.com/nimbridge/nimbridge/internal/interfaces/http"
	"github.com/nimbridge/nimbridge/internal/interfaces/http/handlers"
	"github.com/nimbridge/nimbridge/internal/interfaces/messaging"
	"github.com/nimbridge/nimbridge/internal/interfaces/telegram"
)

const shutdownStepTimeout = 10 * time.Second

type App struct {
	cfg    *config.Config
	logger *zap.Logger

	providerLimiter  *ratelimit.ProviderLimiter
	messagingLimiter *ratelimit.MessagingLimiter
	client           *provider.Client
	cliManager       *cliproc.Manager
	sessionStore     *store.SessionStore
	treeRepo         *tree.Repository
	msgHandler       *messaging.Handler
	platform         messaging.Platform
	httpServer       *httpserver.Server
}

func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}

	providerLimiter, err := ratelimit.NewProviderLimiter(
		cfg.RateLimit.Requests,
		secondsToDuration(cfg.RateLimit.WindowSeconds),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("provider limiter: %w", err)
	}
	app.providerLimiter = providerLimiter
	app.client = provider.NewClient(cfg.Upstream, cfg.RateLimit, providerLimiter, logger)

	app.cliManager = cliproc.NewManager(cfg.CLI, logger)
	app.sessionStore = store.NewSessionStore(
		cfg.Store.Path,
		secondsToDuration(cfg.Store.DebounceSeconds),
		cfg.Store.MessageLogCap,
		logger,
	)
	app.treeRepo = tree.NewRepository(logger)

	if cfg.Telegram.BotToken != "" {
		if err := app.initMessaging(); err != nil {
			return nil, err
		}
	} else {
		logger.Info("Telegram disabled, messaging front-end not started")
	}

	app.initHTTP()
	return app, nil
}

func (a *App) initMessaging() error {
	limiter, err := ratelimit.NewMessagingLimiter(
		a.cfg.Telegram.RateRequests,
		secondsToDuration(a.cfg.Telegram.RateWindowSec),
		a.logger,
	)
	if err != nil {
		return fmt.Errorf("messaging limiter: %w", err)
	}
	a.messagingLimiter = limiter

	adapter, err := telegram.NewAdapter(a.cfg.Telegram, limiter, a.logger)
	if err != nil {
		return fmt.Errorf("telegram adapter: %w", err)
	}
	a.platform = adapter

	a.msgHandler = messaging.NewHandler(
		adapter,
		&cliManagerAdapter{inner: a.cliManager},
		a.sessionStore,
		a.treeRepo,
		a.logger,
	)
	adapter.OnMessage(a.msgHandler.HandleMessage)
	return nil
}

func (a *App) initHTTP() {
	messagesHandler := handlers.NewMessagesHandler(a.client, a.cfg.Upstream, a.logger)
	catalog := handlers.NewModelCatalog(a.cfg.Server.ModelsCatalog, a.logger)

	var tasks handlers.TaskStopper
	if a.msgHandler != nil {
		tasks = a.msgHandler
	}
	systemHandler := handlers.NewSystemHandler(catalog, tasks, a.cliManager, a.cfg.Upstream.Model, a.logger)

	a.httpServer = httpserver.NewServer(a.cfg.Server, messagesHandler, systemHandler, catalog, a.logger)
}

// Start restores persisted state and brings up the front ends.
func (a *App) Start(ctx context.Context) error {
	if err := a.sessionStore.Load(); err != nil {
		a.logger.Error("Session store load failed, starting fresh", zap.Error(err))
	}
	if removed := a.sessionStore.CleanupOldTrees(a.cfg.Store.MaxTreeAgeDays); removed > 0 {
		a.logger.Info("Expired trees removed", zap.Int("count", removed))
	}
	if a.msgHandler != nil {
		a.msgHandler.RestoreState()
	}

	if a.platform != nil {
		if err := a.platform.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", a.platform.Name(), err)
		}
	}
	return a.httpServer.Start(ctx)
}

// Stop shuts components down in dependency order. Failures are logged,
// never propagated, so one stuck component cannot block the rest.
func (a *App) Stop() {
	step := func(name string, fn func(ctx context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownStepTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.logger.Error("Shutdown step failed", zap.String("step", name), zap.Error(err))
			return
		}
		a.logger.Info("Shutdown step done", zap.String("step", name))
	}

	if a.platform != nil {
		step("platform", a.platform.Stop)
	}

	step("cli-sessions", func(context.Context) error {
		stopped := a.cliManager.StopAll()
		a.logger.Info("CLI sessions stopped", zap.Int("count", stopped))
		return nil
	})

	if a.msgHandler != nil {
		step("tree-cancel", func(context.Context) error {
			a.msgHandler.Processor().CancelAll()
			return nil
		})
	}

	step("store-flush", func(context.Context) error {
		return a.sessionStore.FlushPendingSave()
	})

	if a.messagingLimiter != nil {
		step("messaging-limiter", func(ctx context.Context) error {
			return a.messagingLimiter.Shutdown(shutdownStepTimeout)
		})
	}

	step("http-server", a.httpServer.Stop)
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// cliManagerAdapter narrows *cliproc.Manager to the interface the
// messaging handler consumes.
type cliManagerAdapter struct {
	inner *cliproc.Manager
}

func (a *cliManagerAdapter) GetOrCreate(sessionID string) (messaging.CLISession, string, bool, error) {
	session, id, isNew, err := a.inner.GetOrCreate(sessionID)
	if err != nil {
		return nil, "", false, err
	}
	return session, id, isNew, nil
}

func (a *cliManagerAdapter) RegisterRealSessionID(tempID, realID string) {
	a.inner.RegisterRealSessionID(tempID, realID)
}

func (a *cliManagerAdapter) StopAll() int {
	return a.inner.StopAll()
}

func (a *cliManagerAdapter) Stats() map[string]any {
	return a.inner.Stats()
}
