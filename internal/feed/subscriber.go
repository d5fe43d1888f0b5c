package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mntrk/observatory-backend/internal/detection"
	"github.com/redis/go-redis/v9"
)

const resubscribeBackoff = time.Second

// Subscriber is the standing watch on the live store's change feed. It is
// process-lifetime: if the underlying transport drops it resubscribes on
// its own, and registered viewers keep their hub subscriptions throughout.
// Delivery is at-least-once; consumers needing exactly-once display must
// dedup by row id.
type Subscriber struct {
	redis  *redis.Client
	hub    *Hub
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSubscriber(redisClient *redis.Client, hub *Hub, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		redis:  redisClient,
		hub:    hub,
		logger: logger.With("component", "feed_subscriber"),
	}
}

// Start launches the watch loop. Stop with Stop at shutdown.
func (s *Subscriber) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Subscriber) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		if err := s.watch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("change feed dropped, resubscribing", "error", err)
		}

		select {
		case <-time.After(resubscribeBackoff):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscriber) watch(ctx context.Context) error {
	pubsub := s.redis.Subscribe(ctx, detection.FeedChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	s.logger.Info("subscribed to change feed", "channel", detection.FeedChannel)

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}

		var live detection.LiveDetection
		if err := json.Unmarshal([]byte(msg.Payload), &live); err != nil {
			s.logger.Warn("undecodable feed event, skipping", "error", err)
			continue
		}

		s.hub.Broadcast(&live)
	}
}
