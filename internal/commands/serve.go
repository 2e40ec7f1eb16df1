package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"supportchat/internal/api"
	"supportchat/internal/auth"
	"supportchat/internal/config"
	"supportchat/internal/redis"
	"supportchat/internal/service/chat"
	"supportchat/internal/session"
	"supportchat/internal/storage"
	"supportchat/internal/worker"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Logging, os.Stderr)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, logger)
	},
}

// conversationStore is what both document store drivers provide.
type conversationStore interface {
	session.DocumentStore
	worker.Updater
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	deps, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	deps.auth.StartTokenJanitor(ctx, cfg.BasicConfig.TokenCleanupInterval())
	if err := deps.notifier.Listen(ctx); err != nil {
		return fmt.Errorf("listen for session changes: %w", err)
	}

	events := api.NewEvents(logger)
	registry := session.NewRegistry(func(key string) (*session.Controller, error) {
		return session.NewController(session.Options{
			Key:        key,
			Greeting:   cfg.BasicConfig.Greeting,
			Collection: storage.CollectionConversations,
			HideDelay:  cfg.BasicConfig.HistoryHideDelay(),
			Store:      deps.store,
			Updates:    deps.updates,
			Source:     deps.source,
			Identities: deps.notifier,
			Logger:     logger,
			OnChange:   func(s session.Snapshot) { events.PublishSnapshot(key, s) },
		})
	}, cfg.BasicConfig.SessionIdle(), deps.notifier.Forget, logger)
	registryDone := make(chan struct{})
	go func() {
		defer close(registryDone)
		registry.Run(ctx, 0)
	}()

	handler := api.NewHandler(api.Options{
		Auth:     deps.auth,
		Accounts: deps.accounts,
		Notifier: deps.notifier,
		Sessions: registry,
		Events:   events,
		Chat:     deps.chat,
		Logger:   logger,
	})
	router := gin.Default()
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := events.Shutdown(shutdownCtx); err != nil {
		logger.Warn("close event streams", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	<-registryDone
	// pending conversation writes land before the store closes
	if err := deps.updates.Close(shutdownCtx); err != nil {
		logger.Warn("flush conversation writes", "err", err)
	}
	return nil
}

type dependencies struct {
	auth     *auth.Service
	accounts *auth.Accounts
	notifier *auth.Notifier
	store    conversationStore
	updates  *worker.Dispatcher
	source   session.Source
	chat     *chat.Service
	closers  []func() error
}

func newDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *dependencies, err error) {
	deps := &dependencies{}
	defer func() {
		if err != nil {
			deps.close()
		}
	}()

	driver := cfg.BasicConfig.Database
	db, err := storage.Open(driver, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	deps.closers = append(deps.closers, db.Close)
	if err := storage.Migrate(db, driver); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		deps.closers = append(deps.closers, rdb.Close)
	}

	deps.auth = auth.NewService(db, rdb, cfg.BasicConfig.TokenLifetime()).WithLogger(logger)
	deps.accounts = auth.NewAccounts(db, deps.auth)
	deps.notifier = auth.NewNotifier(rdb, logger)

	switch cfg.Store.Driver {
	case "bolt":
		bolt, err := storage.OpenBolt(cfg.Store.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("open conversation store: %w", err)
		}
		deps.closers = append(deps.closers, bolt.Close)
		deps.store = bolt
	default:
		deps.store = storage.NewDocumentStore(db)
	}

	if cfg.Chat.Provider != "" {
		deps.chat, err = chat.New(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("init chat service: %w", err)
		}
	}
	if endpoint := cfg.BasicConfig.ChatEndpoint; endpoint != "" {
		deps.source = chat.HTTPSource{Endpoint: endpoint, Client: &http.Client{}}
	} else {
		deps.source = chat.LocalSource{Service: deps.chat}
	}

	deps.updates = worker.NewDispatcher(worker.Config{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: cfg.BasicConfig.WorkerIdle(),
	}, worker.UpdateApply(deps.store, storage.CollectionConversations), logger.With("component", "worker"))
	return deps, nil
}

func (d *dependencies) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			slog.Warn("close dependency", "err", err)
		}
	}
	d.closers = nil
}
