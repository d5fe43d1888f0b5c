package feed

import (
	"time"

	"github.com/mntrk/observatory-backend/internal/detection"
)

// Event types reserved on the live-update boundary. Both live channels (SSE
// broadcast and direct change-feed subscription) use the same shape.
const (
	EventConnected = "connected"
	EventDetection = "detection"
)

// Event is one frame on a live-update channel.
type Event struct {
	Type      string                   `json:"type"`
	Timestamp time.Time                `json:"timestamp"`
	Detection *detection.LiveDetection `json:"detection,omitempty"`
}

func NewConnectedEvent() Event {
	return Event{Type: EventConnected, Timestamp: time.Now().UTC()}
}

func NewDetectionEvent(live *detection.LiveDetection) Event {
	return Event{Type: EventDetection, Timestamp: time.Now().UTC(), Detection: live}
}
