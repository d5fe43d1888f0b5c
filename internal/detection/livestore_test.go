package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLiveStore(t *testing.T) (*LiveStore, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLiveStore(client), client
}

func testLive(id string) *LiveDetection {
	return &LiveDetection{
		ID:         id,
		BatchID:    "batch_" + id,
		ImageID:    "frame",
		Source:     "field_camera",
		ClassLabel: "rodent",
		Confidence: 0.9,
		DetectedAt: time.Now().UTC(),
	}
}

func TestLiveStore_InsertAndRecent(t *testing.T) {
	store, _ := newTestLiveStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.Insert(ctx, testLive(fmt.Sprintf("live_%d", i))); err != nil {
			t.Fatalf("Insert error: %v", err)
		}
	}

	recent, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(recent))
	}
	if recent[0].ID != "live_2" {
		t.Errorf("newest first: got %q", recent[0].ID)
	}
}

func TestLiveStore_InsertPublishesChangeFeed(t *testing.T) {
	store, client := newTestLiveStore(t)
	ctx := context.Background()

	pubsub := client.Subscribe(ctx, FeedChannel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	want := testLive("live_x")
	if err := store.Insert(ctx, want); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := pubsub.ReceiveMessage(recvCtx)
	if err != nil {
		t.Fatalf("no change-feed event: %v", err)
	}

	var got LiveDetection
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("undecodable event: %v", err)
	}
	if got.ID != want.ID || got.Confidence != want.Confidence {
		t.Errorf("event payload = %+v, want row %+v", got, want)
	}
}

func TestLiveStore_RecentCapped(t *testing.T) {
	store, _ := newTestLiveStore(t)
	ctx := context.Background()

	for i := 0; i < maxRecent+50; i++ {
		if err := store.Insert(ctx, testLive(fmt.Sprintf("live_%d", i))); err != nil {
			t.Fatalf("Insert error: %v", err)
		}
	}

	recent, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(recent) != maxRecent {
		t.Errorf("expected list capped at %d, got %d", maxRecent, len(recent))
	}
}
