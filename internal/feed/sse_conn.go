package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

const sseKeepAliveInterval = 30 * time.Second

// SSEConn is one viewer's broadcast-stream connection: a sequential,
// ordered, text-framed event stream. Frames are written only from Run, so
// no two events interleave.
type SSEConn struct {
	writer    http.ResponseWriter
	flusher   http.Flusher
	sub       *Subscription
	keepAlive time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

func NewSSEConn(w http.ResponseWriter, sub *Subscription) (*SSEConn, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, http.ErrNotSupported
	}

	return &SSEConn{
		writer:    w,
		flusher:   flusher,
		sub:       sub,
		keepAlive: sseKeepAliveInterval,
		done:      make(chan struct{}),
	}, nil
}

func (c *SSEConn) ViewerID() string {
	return c.sub.ID
}

func (c *SSEConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// Run pumps the connection until the transport closes, the hub evicts the
// viewer, or ctx is cancelled. Exactly one of the select arms fires per
// iteration: a feed event, the liveness pulse, or a close signal.
func (c *SSEConn) Run(ctx context.Context) error {
	if err := c.writeEvent(EventConnected, NewConnectedEvent()); err != nil {
		return err
	}

	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case live, ok := <-c.sub.C:
			if !ok {
				return nil
			}
			if err := c.writeEvent(EventDetection, NewDetectionEvent(live)); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.writeKeepAlive(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		}
	}
}

func (c *SSEConn) writeEvent(eventType string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if _, err := c.writer.Write([]byte("event: " + eventType + "\ndata: ")); err != nil {
		return err
	}
	if _, err := c.writer.Write(data); err != nil {
		return err
	}
	if _, err := c.writer.Write([]byte("\n\n")); err != nil {
		return err
	}

	c.flusher.Flush()
	return nil
}

func (c *SSEConn) writeKeepAlive() error {
	if _, err := c.writer.Write([]byte(":keepalive\n\n")); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}
