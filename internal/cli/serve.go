package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mlatt/aviary/internal/config"
	"github.com/mlatt/aviary/internal/logger"
	"github.com/mlatt/aviary/pkg/agent"
	"github.com/mlatt/aviary/pkg/archive"
	"github.com/mlatt/aviary/pkg/gateway"
	"github.com/mlatt/aviary/pkg/session"
	"github.com/mlatt/aviary/pkg/store"
	"github.com/mlatt/aviary/pkg/twitter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

var mockTwitter bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Aviary agent server",
	Long: `Run the HTTP gateway, session manager and tool dispatch loop.
The server answers agent queries, handles the Twitter OAuth login flow and
streams agent events over WebSocket.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&mockTwitter, "mock", false, "use an in-memory Twitter backend instead of the real API")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return fmt.Errorf("failed to resolve config path: %w", err)
		}
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}

	lg, err := logger.New(logger.Config{
		Level:   level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()
	lg.SetGlobal()

	log := lg.Zerolog()
	log.Info().Str("version", version).Str("config", loader.Path()).Msg("Starting Aviary")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := store.Open(filepath.Join(cfg.DataDir, "aviary.db"), log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	tweets, err := archive.New(filepath.Join(cfg.DataDir, "tweets"), log)
	if err != nil {
		return fmt.Errorf("failed to open tweet archive: %w", err)
	}

	scopes := cfg.Twitter.Scopes
	if len(scopes) == 0 {
		scopes = config.DefaultScopes
	}
	oauth := twitter.OAuthConfig(cfg.Twitter.ClientID, cfg.Twitter.ClientSecret, cfg.Twitter.CallbackURL, scopes)

	provider, err := agent.NewProvider(cfg.Model.Provider, cfg.Model.APIKey)
	if err != nil {
		return fmt.Errorf("failed to create model provider: %w", err)
	}

	dispatcher := agent.NewDispatcher(agent.DispatcherConfig{
		Provider:    provider,
		Archive:     tweets,
		Logger:      log,
		Model:       cfg.Model.Name,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
	})

	manager := session.NewManager(cfg.Sessions.MaxIdle, log)
	defer manager.Close()

	reaper := session.NewReaper(manager, cfg.Sessions.ReapInterval, log)
	if err := reaper.Start(); err != nil {
		return fmt.Errorf("failed to start session reaper: %w", err)
	}
	defer reaper.Stop()

	clients := realClientFactory(oauth, db, log)
	if mockTwitter {
		log.Warn().Msg("Using mock Twitter backend")
		clients = mockClientFactory()
	}

	service, err := agent.NewService(agent.ServiceConfig{
		Sessions:   manager,
		Dispatcher: dispatcher,
		Clients:    clients,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent service: %w", err)
	}
	defer service.Flush()

	srv, err := gateway.NewServer(gateway.Options{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Service: service,
		Store:   db,
		OAuth:   oauth,
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	// Stream subscribers see each action as it completes, ahead of the
	// final response event.
	dispatcher.SetActionListener(srv.PublishAction)

	// Config edits only adjust the log level at runtime; everything else
	// needs a restart.
	watcher, err := config.NewWatcher(loader, log, func(next *config.Config) {
		lg.SetLevel(next.Logging.Level)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
	} else {
		defer watcher.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		return srv.Stop()
	case err := <-errCh:
		return err
	}
}

func realClientFactory(oauth *oauth2.Config, db *store.Store, log zerolog.Logger) agent.ClientFactory {
	cfg := twitter.ClientConfig{OAuth: oauth, Store: db, Logger: log}
	return func(ctx context.Context, userID int64, twitterUserID string) (twitter.Client, error) {
		return twitter.NewClient(ctx, cfg, userID, twitterUserID)
	}
}

func mockClientFactory() agent.ClientFactory {
	return func(ctx context.Context, userID int64, twitterUserID string) (twitter.Client, error) {
		return twitter.NewMockClient(twitterUserID), nil
	}
}
