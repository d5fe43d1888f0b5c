package bootstrap

import (
	"log/slog"

	"github.com/mntrk/observatory-backend/internal/detection"
	"github.com/mntrk/observatory-backend/internal/feed"
	"github.com/mntrk/observatory-backend/internal/ratelimit"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func ProvideLimiter(logger *slog.Logger) *ratelimit.Limiter {
	return ratelimit.NewLimiter(logger)
}

func ProvideWriter(store *detection.Store, liveStore *detection.LiveStore, logger *slog.Logger) *detection.Writer {
	return detection.NewWriter(store, liveStore, logger)
}

func ProvideHub(logger *slog.Logger) *feed.Hub {
	return feed.NewHub(logger)
}

func ProvideSubscriber(lc fx.Lifecycle, redisClient *redis.Client, hub *feed.Hub, logger *slog.Logger) *feed.Subscriber {
	subscriber := feed.NewSubscriber(redisClient, hub, logger)
	lc.Append(fx.StartStopHook(subscriber.Start, subscriber.Stop))
	return subscriber
}

var PipelineModule = fx.Options(
	fx.Provide(
		ProvideLimiter,
		ProvideWriter,
		ProvideHub,
		ProvideSubscriber,
	),
)
