package main

import (
	"context"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xaenox/coach-bot/internal/badge"
	"github.com/xaenox/coach-bot/internal/broadcast"
	"github.com/xaenox/coach-bot/internal/checkin"
	"github.com/xaenox/coach-bot/internal/delay"
	"github.com/xaenox/coach-bot/internal/dispatch"
	"github.com/xaenox/coach-bot/internal/gate"
	"github.com/xaenox/coach-bot/internal/generator"
	"github.com/xaenox/coach-bot/internal/models"
	"github.com/xaenox/coach-bot/internal/moderation"
	"github.com/xaenox/coach-bot/internal/report"
	"github.com/xaenox/coach-bot/internal/storage"
	"github.com/xaenox/coach-bot/pkg/config"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
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

	// Domain components
	weekendDays, err := cfg.WeekendDays()
	if err != nil {
		logger.Fatal("Invalid weekend days", zap.Error(err))
	}

	mod := moderation.NewEngine(logger)
	g := gate.New(gate.Config{
		IndividualThreshold: cfg.Gate.IndividualThreshold,
		GroupThreshold:      cfg.Gate.GroupThreshold,
		UrgentThreshold:     cfg.Gate.UrgentThreshold,
		MinimumFloor:        cfg.Gate.MinimumFloor,
	}, mod, logger)

	delays := delay.NewScheduler(delay.Config{
		Individual: delay.Band{
			Min: time.Duration(cfg.Delay.Individual.MinSeconds) * time.Second,
			Max: time.Duration(cfg.Delay.Individual.MaxSeconds) * time.Second,
		},
		Group: delay.Band{
			Min: time.Duration(cfg.Delay.Group.MinSeconds) * time.Second,
			Max: time.Duration(cfg.Delay.Group.MaxSeconds) * time.Second,
		},
		QuietHoursStart:   cfg.Delay.QuietHoursStart,
		QuietHoursEnd:     cfg.Delay.QuietHoursEnd,
		QuietMultiplier:   cfg.Delay.QuietMultiplier,
		WeekendDays:       weekendDays,
		WeekendMultiplier: cfg.Delay.WeekendMultiplier,
		MaxDelay:          time.Duration(cfg.Delay.MaxDelayMinutes) * time.Minute,
	}, rand.New(rand.NewSource(time.Now().UnixNano())))

	queue := delay.NewTimerQueue(logger)
	defer queue.Stop()

	counter := badge.NewCounter(store, logger)

	gen := generator.NewGPTGenerator(
		cfg.OpenAI.APIKey,
		cfg.OpenAI.Model,
		cfg.OpenAI.MaxTokens,
		cfg.OpenAI.Temperature,
		logger,
	)

	hub := broadcast.NewHub(cfg.Broadcast.AllowedOrigins, logger)
	defer hub.Close()

	coordinator := dispatch.NewCoordinator(
		dispatch.Config{
			CoachID:         cfg.Dispatch.CoachID,
			GenerateTimeout: time.Duration(cfg.Dispatch.GenerateTimeoutSeconds) * time.Second,
			RetryBackoff:    time.Duration(cfg.Dispatch.RetryBackoffSeconds) * time.Second,
			HistoryLimit:    cfg.Dispatch.HistoryLimit,
			UrgentKeywords:  cfg.Dispatch.UrgentKeywords,
		},
		store, mod, g, delays, queue, counter, gen, hub, logger,
	)
	defer coordinator.Stop()

	renderer := report.NewGPTRenderer(
		cfg.OpenAI.APIKey,
		cfg.OpenAI.Model,
		cfg.OpenAI.MaxTokens,
		logger,
	)

	checkins, err := checkin.NewScheduler(
		checkin.Config{
			Cron:          cfg.Checkin.Cron,
			CoachID:       cfg.Dispatch.CoachID,
			RenderTimeout: time.Duration(cfg.Checkin.RenderTimeoutSeconds) * time.Second,
		},
		store, renderer, g, counter,
		func(recipientID int64, msg *models.Message) {
			hub.Broadcast(dispatch.ChannelKey(msg.ConversationKey()), broadcast.Event{
				Type:    "message",
				Payload: msg,
			})
		},
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to create checkin scheduler", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go checkins.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/subscribe", hub.HandleSubscribe)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("Engine started", zap.String("addr", cfg.Server.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("Server error", zap.Error(err))
	}
	logger.Info("Engine stopped")
}
