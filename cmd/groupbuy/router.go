package main

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"groupbuy/internal/config"
	"groupbuy/internal/handler"
	"groupbuy/internal/middleware"
)

// setupRouter ops surface: liveness, readiness, metrics and the leaderboard view
func setupRouter(cfg *config.Config, health *handler.HealthHandler, ranks *handler.RankHandler) *gin.Engine {
	router := gin.New()

	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())

	router.GET("/ping", health.Ping)
	router.GET("/health", health.Health)

	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	rankGroup := router.Group("/rank")
	{
		rankGroup.GET("/:activityId", ranks.GetBoard)
		rankGroup.GET("/:activityId/goods/:goodsId", ranks.GetGoodsRank)
	}

	return router
}
