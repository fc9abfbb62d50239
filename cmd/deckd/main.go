package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/openclaw/agentdeck/internal/api"
	"github.com/openclaw/agentdeck/internal/config"
	"github.com/openclaw/agentdeck/internal/gateway"
	"github.com/openclaw/agentdeck/internal/persist"
	"github.com/openclaw/agentdeck/internal/store"
)

func main() {
	// .env is optional, real env wins either way
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatal("Failed to load configuration: ", err)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	}

	// Persistence tiers. The file tier is required; the sqlite tier is
	// best-effort and the deck runs without it.
	fileTier, err := persist.NewFileTier(cfg.Storage.FilePath, persist.DefaultFileCap)
	if err != nil {
		log.Fatal("Failed to prepare snapshot file: ", err)
	}

	var dbTier *persist.SQLiteTier
	if cfg.Storage.DBPath != "" {
		dbTier, err = persist.NewSQLiteTier(cfg.Storage.DBPath)
		if err != nil {
			log.WithError(err).Warn("sqlite tier unavailable, continuing with file tier only")
			dbTier = nil
		} else {
			defer dbTier.Close()
		}
	}

	// Discover the gateway's model roster up front; the roster shapes the
	// default agents on first run.
	infoCtx, cancelInfo := context.WithTimeout(context.Background(), 10*time.Second)
	info := gateway.FetchInfo(infoCtx, cfg.Gateway.URL, cfg.Gateway.Token)
	cancelInfo()

	deckStore := store.New(store.Options{
		Agents:      gateway.BuildDefaultAgents(cfg.Agents.Count, info.DefaultModel),
		Persistence: persist.NewStore(fileTier, dbTier, log),
		Logger:      log,
		Debounce:    time.Duration(cfg.Persist.DebounceMS) * time.Millisecond,
	})

	client := gateway.NewWSClient(gateway.Options{
		URL:          cfg.Gateway.URL,
		Token:        cfg.Gateway.Token,
		Logger:       log,
		OnEvent:      deckStore.HandleGatewayEvent,
		OnConnection: deckStore.HandleConnectionChange,
	})

	deckStore.Initialize(client)

	app := fiber.New(fiber.Config{
		AppName:      "agentdeck",
		ErrorHandler: errorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: getOrigins(),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	api.SetupRoutes(app, api.NewHandlers(deckStore, info, log))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		log.Infof("agentdeck listening on %s", addr)
		if err := app.Listen(addr); err != nil {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	// Close flushes the final snapshot before the process exits.
	deckStore.Close()
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
		"code":  code,
	})
}

func getOrigins() string {
	if origins := os.Getenv("AGENTDECK_CORS_ORIGINS"); origins != "" {
		return origins
	}
	return "http://localhost:5173,http://localhost:3000"
}
