package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codemate/internal/chat"
	"codemate/internal/config"
	"codemate/internal/crypto"
	"codemate/internal/gateway"
	"codemate/internal/httpapi"
	"codemate/internal/metrics"
	"codemate/internal/providers/registry"
	"codemate/internal/queue"
	"codemate/internal/storage"
	"codemate/internal/telegram"
	"codemate/internal/vault"
	"codemate/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("persist_mode", cfg.PersistMode).
		Bool("bot_enabled", cfg.BotEnabled()).
		Str("current_key_id", cfg.Crypto.CurrentKeyID).
		Strs("key_ids", cfg.Crypto.KeyIDs()).
		Msg("starting codemate")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	codec, err := crypto.NewCodec(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize credential codec")
	}

	reg, err := registry.Load(cfg.Provider.File)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load provider registry")
	}
	log.Info().Strs("providers", reg.Providers()).Str("default", reg.DefaultProvider()).Msg("provider registry loaded")

	m := metrics.Global()
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	keyVault := vault.New(vault.Config{
		Store:    store,
		Codec:    codec,
		Registry: reg,
		Locker:   queue.NewKeyLock(rdb, cfg.Redis.KeyLockTTL),
		Logger:   log.Logger.With().Str("component", "vault").Logger(),
	})
	if cfg.Crypto.RotateOnStart {
		moved, err := keyVault.RotateKeys(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to rotate stored credentials")
		}
		log.Info().Int("rotated", moved).Str("key_id", cfg.Crypto.CurrentKeyID).Msg("credential rotation finished")
	}

	gw := gateway.New(gateway.Config{
		Registry: reg,
		Vault:    keyVault,
		Timeout:  cfg.Provider.Timeout,
		Logger:   log.Logger.With().Str("component", "gateway").Logger(),
		Metrics:  m,
	})
	defaults := chat.Defaults{Settings: store, Prefs: keyVault, Registry: reg}

	var persister chat.Persister = chat.StorePersister{Store: store, Metrics: m}
	if cfg.PersistMode == config.PersistQueue {
		persister = chat.QueuePersister{Queue: jobQueue, Metrics: m}
	}

	errCh := make(chan error, 4)
	var updater *ext.Updater
	var webhookHandler http.HandlerFunc
	var webhookRoute string
	logTelegramErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.Bot.Token))
	}

	if cfg.BotEnabled() {
		bot, err := gotgbot.NewBot(cfg.Bot.Token, nil)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create telegram bot")
		}
		log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")

		allowedUserID := int64(0)
		if cfg.Bot.AccessMode == config.AccessModePrivate {
			allowedUserID = cfg.Bot.AdminUserID
		}
		dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
			MaxRoutines:      100,
			UnhandledErrFunc: logTelegramErr,
			Processor: telegram.Processor{
				Dedupe:        queue.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL),
				Metrics:       m,
				Logger:        log.Logger,
				AllowedUserID: allowedUserID,
			},
		})
		service := telegram.NewService(telegram.Config{
			Sessions:   store,
			Vault:      keyVault,
			Gateway:    gw,
			Persister:  persister,
			Registry:   reg,
			Defaults:   defaults,
			Redis:      rdb,
			Logger:     log.Logger.With().Str("component", "telegram").Logger(),
			Metrics:    m,
			WizardTTL:  cfg.Redis.WizardTTL,
			AccessMode: cfg.Bot.AccessMode,
		})
		service.Register(dispatcher)
		updater = ext.NewUpdater(dispatcher, &ext.UpdaterOpts{
			UnhandledErrFunc: logTelegramErr,
		})

		if cfg.Bot.WebhookURL == "" {
			if err := updater.StartPolling(bot, &ext.PollingOpts{
				EnableWebhookDeletion: true,
				DropPendingUpdates:    true,
				GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
					Timeout: 50,
					RequestOpts: &gotgbot.RequestOpts{
						Timeout: 60 * time.Second,
					},
				},
			}); err != nil {
				log.Fatal().Err(err).Msg("failed to start polling")
			}
			log.Info().Msg("polling mode started")
		} else {
			path := cfg.Bot.SecretPath
			if path == "" {
				path = "telegram"
			}
			if err := updater.AddWebhook(bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Bot.SecretToken}); err != nil {
				log.Fatal().Err(err).Msg("failed to configure webhook handler")
			}
			webhookURL := strings.TrimSuffix(cfg.Bot.WebhookURL, "/") + "/" + path
			if _, err := bot.SetWebhook(webhookURL, &gotgbot.SetWebhookOpts{
				SecretToken: cfg.Bot.SecretToken,
			}); err != nil {
				log.Fatal().Err(err).Msg("failed to set telegram webhook")
			}
			log.Info().Str("webhook_url", webhookURL).Msg("webhook registered")
			webhookRoute = "/" + path
			webhookHandler = updater.GetHandlerFunc("/")
		}
	}

	mux := http.NewServeMux()
	if cfg.AppMode == config.ModeWorker {
		mux.HandleFunc("GET "+cfg.HTTP.HealthPath, func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ok"))
		})
	} else {
		api := httpapi.New(httpapi.Config{
			Vault:    keyVault,
			Gateway:  gw,
			Sessions: store,
			Registry: reg,
			Defaults: defaults,
			Logger:   log.Logger.With().Str("component", "httpapi").Logger(),
		})
		api.Register(mux, cfg.HTTP.HealthPath)
	}
	mux.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())
	if webhookHandler != nil && webhookRoute != "" {
		mux.HandleFunc(webhookRoute, webhookHandler)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	runWorker := cfg.PersistMode == config.PersistQueue && (cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll)
	if runWorker {
		w := worker.New(worker.Config{
			Store:         store,
			Queue:         jobQueue,
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger.With().Str("component", "worker").Logger(),
			Metrics:       m,
			RetryDelay:    cfg.Worker.RetryDelay,
			ReclaimIdle:   cfg.Worker.ReclaimIdle,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	} else if cfg.AppMode == config.ModeWorker {
		log.Warn().Msg("worker mode without PERSIST_MODE=queue has nothing to consume")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if updater != nil {
		if err := updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// sanitizeTelegramErr strips the bot token from errors that embed the
// request URL.
func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
	}
	return msg
}
