package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/cardtrader/cardtrader-api/internal/clock"
	"github.com/cardtrader/cardtrader-api/internal/database"
	"github.com/cardtrader/cardtrader-api/internal/orders"
	"github.com/cardtrader/cardtrader-api/internal/server"
	"github.com/cardtrader/cardtrader-api/pkg/config"
	"github.com/cardtrader/cardtrader-api/pkg/middleware"
)

// init configures logging. Development gets the console writer.
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func main() {
	cfg := config.Load()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	app := server.NewApp(db, cfg, clock.NewSystem())

	if err := app.Users.SeedAdmin(context.Background(), cfg.AdminEmail, cfg.AdminPassword); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to seed admin user")
	}

	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	// Expiry is lazy on every read and write. The processor only keeps
	// listings tidy between requests.
	if cfg.SweepInterval > 0 {
		processor := orders.NewProcessor(app.Orders.Sweeper(), cfg.SweepInterval)
		go processor.Start(processorCtx)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.NewRouter(app, middleware.DefaultLimits()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Str("env", cfg.Environment).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")
	processorCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	zlog.Info().Msg("Server exiting")
}
