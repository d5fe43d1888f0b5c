package detection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	// FeedChannel is the change-feed channel the live-update consumers watch.
	// Every insert into the live store is published here.
	FeedChannel = "detections:inserted"

	recentKey = "detections:recent"
	maxRecent = 200
)

// LiveStore is the secondary store: a capped recent-detections list plus the
// pub/sub channel that acts as its change feed. Best-effort by contract —
// a dropped write self-heals on the next successful batch.
type LiveStore struct {
	redis *redis.Client
}

func NewLiveStore(redisClient *redis.Client) *LiveStore {
	return &LiveStore{redis: redisClient}
}

// Insert records one denormalized row per batch and emits the insert event.
func (s *LiveStore) Insert(ctx context.Context, live *LiveDetection) error {
	data, err := json.Marshal(live)
	if err != nil {
		return fmt.Errorf("marshal live detection: %w", err)
	}

	pipe := s.redis.Pipeline()
	pipe.LPush(ctx, recentKey, data)
	pipe.LTrim(ctx, recentKey, 0, maxRecent-1)
	pipe.Publish(ctx, FeedChannel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("insert live detection: %w", err)
	}
	return nil
}

// Recent returns up to n of the latest live rows, newest first.
func (s *LiveStore) Recent(ctx context.Context, n int) ([]*LiveDetection, error) {
	if n <= 0 || n > maxRecent {
		n = maxRecent
	}

	raw, err := s.redis.LRange(ctx, recentKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}

	detections := make([]*LiveDetection, 0, len(raw))
	for _, item := range raw {
		var live LiveDetection
		if err := json.Unmarshal([]byte(item), &live); err != nil {
			continue
		}
		detections = append(detections, &live)
	}
	return detections, nil
}
