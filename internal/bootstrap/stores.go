package bootstrap

import (
	"log/slog"

	"github.com/mntrk/observatory-backend/internal/audit"
	"github.com/mntrk/observatory-backend/internal/detection"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideDetectionStore(db *gorm.DB) *detection.Store {
	return detection.NewStore(db)
}

func ProvideLiveStore(redisClient *redis.Client) *detection.LiveStore {
	return detection.NewLiveStore(redisClient)
}

func ProvideAuditRecorder(lc fx.Lifecycle, db *gorm.DB, logger *slog.Logger) *audit.Recorder {
	recorder := audit.NewRecorder(db, logger)
	lc.Append(fx.StopHook(recorder.Close))
	return recorder
}

func RunMigrations(store *detection.Store, auditor *audit.Recorder) error {
	if err := store.Migrate(); err != nil {
		return err
	}
	return auditor.Migrate()
}

var StoresModule = fx.Options(
	fx.Provide(
		ProvideDetectionStore,
		ProvideLiveStore,
		ProvideAuditRecorder,
	),
	fx.Invoke(RunMigrations),
)
