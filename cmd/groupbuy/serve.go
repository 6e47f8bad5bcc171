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

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"groupbuy/internal/config"
	"groupbuy/internal/database"
	"groupbuy/internal/handler"
	"groupbuy/internal/monitor"
	"groupbuy/internal/mq"
	redisx "groupbuy/internal/redis"
	"groupbuy/pkg/log"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the trading core with its background workers and ops HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := bootstrap()
	if err != nil {
		return err
	}
	defer closeStores()

	tracer, err := monitor.NewTracer(monitor.TracerConfigFrom(cfg.Tracing, Version))
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Failed to flush traces")
		}
	}()

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	db := database.GetDB()
	if missing, err := database.CheckTables(db); err != nil {
		return err
	} else if len(missing) > 0 {
		return fmt.Errorf("missing tables %v, run the migrate command first", missing)
	}

	// 预加载Lua脚本
	if err := redisx.NewLuaScript(redisx.GetClient()).LoadScripts(context.Background()); err != nil {
		return fmt.Errorf("failed to load lua scripts: %w", err)
	}

	messageQueue, err := mq.New(cfg.MQ)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, db, redisx.GetClient(), messageQueue)
	if err != nil {
		messageQueue.Close()
		return err
	}
	a.start()

	config.WatchConfig(func(c *config.Config) {
		if lvl, err := logrus.ParseLevel(c.Log.Level); err == nil {
			log.GetLogger().SetLevel(lvl)
		}
		log.WithField("level", c.Log.Level).Info("Config reloaded")
	}, func(err error) {
		log.WithError(err).Warn("Config reload rejected")
	})

	health := handler.NewHealthHandler(map[string]handler.Probe{
		"database": database.Health,
		"redis":    redisx.Health,
	}, Version)
	router := setupRouter(cfg, health, handler.NewRankHandler(a.rankQuery))

	server := &http.Server{
		Addr:           cfg.Server.GetAddr(),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(map[string]interface{}{
			"addr":      server.Addr,
			"mode":      cfg.Server.Mode,
			"mq_driver": cfg.MQ.Driver,
		}).Info("Starting HTTP server")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
	case runErr = <-serverErr:
		log.WithError(runErr).Error("HTTP server failed")
	}

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	a.stop(ctx)

	log.Info("Server exited")
	return runErr
}
