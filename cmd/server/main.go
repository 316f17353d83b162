package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tiss-claims-backend/internal/config"
	"tiss-claims-backend/internal/dispatch"
	"tiss-claims-backend/internal/middleware"
	"tiss-claims-backend/internal/repository"
	"tiss-claims-backend/internal/routes"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	// Load .env
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, relying on system env")
	}

	rootCmd := &cobra.Command{
		Use:           "tiss-claims",
		Short:         "TISS claims batches, operator returns and glosa risk",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), workerCmd(), migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, config.NewLogger(cfg.LogLevel), nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the outbox dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, log)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	pub, err := a.publisher(ctx)
	if err != nil {
		return err
	}
	dispatcher := dispatch.NewDispatcher(a.outbox, pub, cfg, log)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(ctx)
	}()

	if !cfg.IsDev() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log))
	// CORS config
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type", middleware.HeaderUserID, middleware.HeaderUserRole, middleware.HeaderClinicID},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	routes.RegisterRoutes(r, a.services, log)
	if a.devObjects != nil {
		r.Any(devObjectsPrefix+"/*path", gin.WrapH(http.StripPrefix(devObjectsPrefix, a.devObjects.Handler())))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	<-dispatchDone
	log.Info("server stopped")
	return nil
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume return jobs from the Pub/Sub subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			if !cfg.PubSubEnabled() {
				return errors.New("worker needs PUBSUB_PROJECT_ID")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			client, err := a.pubsubClient(ctx)
			if err != nil {
				return err
			}
			topic, err := config.EnsureTopic(ctx, client, cfg.ReturnsTopic)
			if err != nil {
				return fmt.Errorf("ensure topic: %w", err)
			}
			sub, err := config.EnsureSubscription(ctx, client, cfg.ReturnsSubscription, topic)
			if err != nil {
				return err
			}

			log.WithField("subscription", cfg.ReturnsSubscription).Info("return worker started")
			if err := dispatch.NewSubscriber(sub, a.services.Worker.Process, log).Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			log.Info("return worker stopped")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			db, err := config.InitDB(cfg, log)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			if err := repository.Migrate(cmd.Context(), db); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			log.Info("schema is up to date")
			return nil
		},
	}
}
