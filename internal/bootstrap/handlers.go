package bootstrap

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/mntrk/observatory-backend/internal/audit"
	"github.com/mntrk/observatory-backend/internal/detection"
	"github.com/mntrk/observatory-backend/internal/feed"
	"github.com/mntrk/observatory-backend/internal/health"
	"github.com/mntrk/observatory-backend/internal/ratelimit"
	"github.com/redis/go-redis/v9"
	echoSwagger "github.com/swaggo/echo-swagger"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideDetectionHandler(
	cfg *Config,
	writer *detection.Writer,
	store *detection.Store,
	liveStore *detection.LiveStore,
	limiter *ratelimit.Limiter,
	auditor *audit.Recorder,
	logger *slog.Logger,
) *detection.Handler {
	return detection.NewHandler(writer, store, liveStore, limiter, auditor,
		cfg.WriteRatePolicy, cfg.ReadRatePolicy, logger)
}

func ProvideFeedHandler(
	cfg *Config,
	hub *feed.Hub,
	redisClient *redis.Client,
	limiter *ratelimit.Limiter,
	logger *slog.Logger,
) *feed.Handler {
	return feed.NewHandler(hub, redisClient, limiter, cfg.ReadRatePolicy, logger)
}

func ProvideHealthHandler(cfg *Config, db *gorm.DB, redisClient *redis.Client, hub *feed.Hub) *health.Handler {
	return health.NewHandler(db, redisClient, hub, cfg.Version)
}

type HandlerParams struct {
	fx.In

	DetectionHandler *detection.Handler
	FeedHandler      *feed.Handler
	HealthHandler    *health.Handler
}

func RegisterRoutes(e *echo.Echo, params HandlerParams) {
	api := e.Group("/api/v1")

	detections := api.Group("/detections")
	params.DetectionHandler.RegisterRoutes(detections)
	params.FeedHandler.RegisterRoutes(detections)

	params.HealthHandler.RegisterRoutes(e)

	e.GET("/swagger/*", echoSwagger.WrapHandler)
}

var HandlersModule = fx.Options(
	fx.Provide(
		ProvideDetectionHandler,
		ProvideFeedHandler,
		ProvideHealthHandler,
	),
	fx.Invoke(RegisterRoutes),
)
