package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/user/gremlinbot/internal/cache"
	"github.com/user/gremlinbot/internal/config"
	"github.com/user/gremlinbot/internal/dispatcher"
	"github.com/user/gremlinbot/internal/domain"
	"github.com/user/gremlinbot/internal/notifier"
	"github.com/user/gremlinbot/internal/server"
	"github.com/user/gremlinbot/internal/storage"
	"github.com/user/gremlinbot/internal/supervisor"
	"github.com/user/gremlinbot/internal/telegram"
	"github.com/user/gremlinbot/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		_ = logger.Init("info", "")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.File); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	logger.Info().Str("mode", cfg.Telegram.Mode).Msg("Starting Gremlin bot")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.Store.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open store")
	}
	defer db.Close()
	logger.Info().Str("dialect", db.Dialect()).Msg("Store initialized")

	chats := storage.NewChatStore(db)
	archive := storage.NewArchive(db)

	backend, err := cache.NewBackend(ctx, cfg.Cache.URL, cfg.Cache.TTL)
	if err != nil {
		logger.Warn().Err(err).Msg("Cache backend unavailable, using in-process cache")
		backend = cache.NewMemoryBackend(cfg.Cache.TTL)
	}

	notify := notifier.NewNotifier()
	notify.Subscribe(notifier.Funcs{
		SettingsChanged: func(_ context.Context, ev notifier.SettingsChanged) {
			logger.Info().
				Int64("chat_id", ev.ChatID).
				Bool("enabled", ev.Settings.Enabled).
				Str("profanity_policy", string(ev.Settings.ProfanityPolicy)).
				Msg("Chat settings changed")
		},
		Update: func(_ context.Context, out domain.Outcome) {
			if out.ChatCreated {
				logger.Info().Int64("chat_id", out.Update.ChatID).Msg("New chat registered")
			}
		},
	})

	settings := cache.New(chats, backend, cache.Options{Notifier: notify})
	defer settings.Close()

	disp := dispatcher.New(chats, archive, settings, notify, dispatcher.Config{
		MaxAttempts:    uint(cfg.Dispatch.MaxAttempts),
		InitialBackoff: cfg.Dispatch.InitialBackoff,
		MaxBackoff:     cfg.Dispatch.MaxBackoff,
		CallTimeout:    cfg.Dispatch.CallTimeout,
		MaxConcurrency: cfg.Dispatch.MaxConcurrency,
		QueueSize:      cfg.Dispatch.QueueSize,
	})

	bot, err := telegram.Connect(cfg.Telegram.Token, cfg.HTTPTimeout(), cfg.Telegram.Debug)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize Telegram client")
	}

	var (
		source  supervisor.Source
		webhook http.Handler
	)
	if cfg.Telegram.Mode == config.ModeWebhook {
		ws := telegram.NewWebhookSource(cfg.Telegram.WebhookSecret, cfg.Webhook.QueueSize)
		source, webhook = ws, ws
		logger.Info().Str("path", config.WebhookPath).Msg("Webhook endpoint enabled")
	} else {
		source = telegram.NewPoller(bot, storage.NewOffsetStore(db), telegram.PollerConfig{
			Timeout: cfg.Telegram.PollTimeout,
			Limit:   cfg.Telegram.PollLimit,
		})
	}

	sup := supervisor.New(supervisor.Config{
		Mode:          cfg.Telegram.Mode,
		WebhookURL:    cfg.WebhookURL(),
		WebhookSecret: cfg.Telegram.WebhookSecret,
		ShutdownGrace: cfg.Server.ShutdownGrace,
	}, bot, source, disp)

	router := server.NewRouter(server.Options{
		Mode:       cfg.Telegram.Mode,
		State:      func() string { return string(sup.State()) },
		Webhook:    webhook,
		AdminToken: cfg.Admin.Token,
		Chats:      chats,
		Settings:   settings,
		Messages:   archive,
	})
	srv := server.NewHTTPServer(cfg.ServerAddress(), router)

	logger.Info().Str("address", cfg.ServerAddress()).Msg("Starting HTTP server")
	if err := sup.Run(ctx, srv); err != nil {
		logger.Error().Err(err).Msg("Supervisor stopped with error")
		stop()
		db.Close()
		os.Exit(1)
	}

	logger.Info().Msg("Shutdown complete")
}
