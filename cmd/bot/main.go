package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lora-ai-tgbot-go/internal/config"
	"github.com/lora-ai-tgbot-go/internal/handlers"
	"github.com/lora-ai-tgbot-go/internal/i18n"
	"github.com/lora-ai-tgbot-go/internal/middleware"
	"github.com/lora-ai-tgbot-go/internal/services/ai"
	"github.com/lora-ai-tgbot-go/internal/services/cache"
	"github.com/lora-ai-tgbot-go/internal/services/search"
	"github.com/lora-ai-tgbot-go/internal/services/storage"
	"github.com/lora-ai-tgbot-go/pkg/logger"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting Telegram Bot...")

	bot, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		log.WithError(err).Fatal("Failed to create bot")
	}

	bot.Debug = cfg.Logging.Level == "debug"
	log.WithField("username", bot.Self.UserName).Info("Bot authorized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := middleware.NewMetrics()

	// Storage is the one hard dependency; everything else degrades.
	store, err := storage.NewSQLiteStore(cfg.Storage.Path, log, metrics)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}
	defer store.Close()

	aiService := ai.NewClient(&cfg.AI, log)
	searchService := search.NewDuckDuckGo(&cfg.Search, log)

	decider, err := search.NewDecider(search.DefaultRules())
	if err != nil {
		log.WithError(err).Fatal("Failed to build search decider")
	}

	cacheService, err := cache.NewService(&cfg.Cache, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize cache")
	}

	rateLimiter := middleware.NewRateLimiter(&cfg.RateLimit, log)

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	if cfg.Monitoring.Metrics.Enabled {
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := middleware.StartMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	commandHandler := handlers.NewCommandHandler(
		cfg,
		bot,
		searchService,
		store,
		rateLimiter,
		localizer,
		metrics,
		log,
	)

	adminHandler := handlers.NewAdminHandler(
		cfg,
		bot,
		store,
		rateLimiter,
		localizer,
		metrics,
		log,
	)

	messageHandler := handlers.NewMessageHandler(
		cfg,
		bot,
		bot.Self.ID,
		aiService,
		searchService,
		decider,
		store,
		cacheService,
		rateLimiter,
		localizer,
		metrics,
		log,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = cfg.Bot.UpdateTimeout
	updates := bot.GetUpdatesChan(u)
	log.Info("Using long polling")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for update := range updates {
			if update.Message == nil {
				continue
			}
			message := update.Message

			chatType := "private"
			if message.Chat.IsGroup() || message.Chat.IsSuperGroup() {
				chatType = "group"
			}
			metrics.RecordMessageReceived(chatType)

			// One goroutine per update so a slow completion never stalls
			// the polling loop.
			go func(message *tgbotapi.Message) {
				var err error
				switch {
				case message.IsCommand() && handlers.IsAdminCommand(message.Command()):
					err = adminHandler.HandleCommand(ctx, message)
				case message.IsCommand():
					err = commandHandler.HandleCommand(ctx, message)
				default:
					err = messageHandler.HandleMessage(ctx, message)
				}

				if err != nil {
					log.WithError(err).Error("Failed to handle update")
					metrics.RecordMessageProcessed("error")
				} else {
					metrics.RecordMessageProcessed("success")
				}
			}(message)
		}
	}()

	go startPeriodicTasks(ctx, store, metrics, log)

	<-sigChan
	log.Info("Shutdown signal received")

	bot.StopReceivingUpdates()
	cancel()

	// Give in-flight handlers time to finish
	time.Sleep(2 * time.Second)

	log.Info("Bot stopped")
}

// startPeriodicTasks refreshes the user gauges from storage.
func startPeriodicTasks(ctx context.Context, store storage.Store, metrics *middleware.Metrics, log *logrus.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			global, err := store.GlobalStats(ctx)
			if err != nil {
				log.WithError(err).Warn("Failed to refresh user gauges")
				continue
			}
			metrics.SetKnownUsers(float64(global.TotalUsers))
			metrics.SetBannedUsers(float64(global.BannedUsers))
		}
	}
}
