package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/persona-gateway/internal/backend/characterai"
	"github.com/xaenox/persona-gateway/internal/backend/openai"
	"github.com/xaenox/persona-gateway/internal/bot"
	"github.com/xaenox/persona-gateway/internal/conversation"
	"github.com/xaenox/persona-gateway/internal/metrics"
	"github.com/xaenox/persona-gateway/internal/platform"
	"github.com/xaenox/persona-gateway/internal/provisioner"
	"github.com/xaenox/persona-gateway/internal/ratelimit"
	"github.com/xaenox/persona-gateway/internal/scheduler"
	"github.com/xaenox/persona-gateway/internal/search"
	"github.com/xaenox/persona-gateway/internal/storage"
	"github.com/xaenox/persona-gateway/internal/window"
	"github.com/xaenox/persona-gateway/pkg/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", path))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		}
		store, err = storage.NewPostgresStorage(dbConfig, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}
	tg := platform.NewTelegram(api, logger)

	// Decoration cleanup
	var collector *metrics.Collector
	cleanup := scheduler.New[platform.MessageRef](scheduler.Config{
		Tick:             cfg.Cleanup.Tick,
		Poll:             cfg.Cleanup.Poll,
		ActionsPerSecond: cfg.Cleanup.ActionsPerSecond,
	}, func(ctx context.Context, ref platform.MessageRef) error {
		return tg.RemoveDecoration(ctx, ref, platform.ReplyDecorations)
	}, func(r scheduler.Result[platform.MessageRef]) {
		collector.RecordCleanup(r.Outcome.String())
	}, logger)
	defer cleanup.Close()

	collector = metrics.NewCollector("persona_gateway", cleanup.Len, logger)

	// Rate limiting
	notifier := bot.NewNotifier(api, logger)
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Limit:         cfg.RateLimit.Limit,
		WarnThreshold: cfg.RateLimit.WarnThreshold,
		BanHours:      cfg.RateLimit.BanHours,
	}, store, notifier, logger)

	// Backends and search
	chub := search.NewChub(cfg.Search.ChubBaseURL, cfg.Search.ChubAvatarURL)
	providers := []search.Provider{chub}

	var (
		chats  provisioner.ChatCreator
		remote conversation.RemoteChat
	)
	if cfg.CharacterAI.Enabled {
		cai := characterai.NewClient(characterai.Config{
			BaseURL:     cfg.CharacterAI.BaseURL,
			PlusBaseURL: cfg.CharacterAI.PlusBaseURL,
		}, logger)
		chats, remote = cai, cai
		providers = append(providers, search.NewCharacterAI(cfg.CharacterAI.BaseURL, cfg.CharacterAI.Token))
	} else {
		logger.Info("CharacterAI backend disabled")
	}

	builder := window.NewBuilder(cfg.Window.TokenBudget, window.Defaults{
		Endpoint:        cfg.OpenAI.Endpoint,
		Token:           cfg.OpenAI.APIKey,
		Model:           cfg.OpenAI.Model,
		Temperature:     cfg.OpenAI.Temperature,
		FreqPenalty:     cfg.OpenAI.FreqPenalty,
		PresencePenalty: cfg.OpenAI.PresencePenalty,
		MaxTokens:       cfg.OpenAI.MaxTokens,
	})

	prov := provisioner.New(provisioner.Config{
		ReservedNames:       cfg.Provisioner.ReservedNames,
		CharacterAIToken:    cfg.CharacterAI.Token,
		CharacterAIPlusMode: cfg.CharacterAI.PlusMode,
		JailbreakPrompt:     cfg.Provisioner.JailbreakPrompt,
	}, tg, store, chats, provisioner.NewHTTPImageFetcher(15*time.Second), logger)

	conv := conversation.NewService(conversation.Config{
		CharacterAIToken:    cfg.CharacterAI.Token,
		CharacterAIPlusMode: cfg.CharacterAI.PlusMode,
	}, store, builder, openai.NewClient(logger), remote, collector, logger)

	// Initialize bot
	b := bot.New(api, bot.Config{
		PageSize:            cfg.Search.PageSize,
		AllowNSFW:           cfg.Search.AllowNSFW,
		CleanupDelaySeconds: cfg.Cleanup.DelaySeconds,
		AdminIDs:            cfg.Telegram.AdminIDs,
	}, bot.Deps{
		Store:        store,
		Limiter:      limiter,
		Notifier:     notifier,
		Search:       search.NewService(logger, providers...),
		Characters:   chub,
		Provisioner:  prov,
		Conversation: conv,
		Platform:     tg,
		Cleanup:      cleanup,
		Metrics:      collector,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			logger.Info("Serving metrics", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return limiter.SweepExpiredBans(ctx, cfg.RateLimit.SweepInterval)
	})

	// Start the bot
	g.Go(func() error {
		return b.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Gateway stopped with error", zap.Error(err))
		return
	}
	logger.Info("Gateway stopped")
}
