package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mntrk/observatory-backend/internal/shared"
	"gorm.io/gorm"
)

const queueSize = 256

// Entry attributes one API call to a caller. Append-only.
type Entry struct {
	ID             string    `gorm:"primaryKey" json:"id"`
	Caller         string    `gorm:"not null;index" json:"caller"`
	Action         string    `gorm:"not null" json:"action"`
	Resource       string    `gorm:"not null;index" json:"resource"`
	ResourceID     string    `json:"resource_id,omitempty"`
	PayloadSummary string    `json:"payload_summary,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Entry) TableName() string {
	return "audit_log"
}

// Recorder writes audit entries off the request path. Record never blocks
// and never fails the caller: a full queue drops the entry, a failed insert
// is logged locally and swallowed.
type Recorder struct {
	db     *gorm.DB
	logger *slog.Logger

	queue     chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	persistFn func(Entry)
}

func NewRecorder(db *gorm.DB, logger *slog.Logger) *Recorder {
	r := &Recorder{
		db:     db,
		logger: logger.With("component", "audit"),
		queue:  make(chan Entry, queueSize),
		done:   make(chan struct{}),
	}
	r.persistFn = r.persist

	r.wg.Add(1)
	go r.drain()

	return r
}

func (r *Recorder) Migrate() error {
	return r.db.AutoMigrate(&Entry{})
}

// Record enqueues an entry fire-and-forget.
func (r *Recorder) Record(entry Entry) {
	if entry.ID == "" {
		entry.ID = shared.NewID("audit_")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	select {
	case r.queue <- entry:
	case <-r.done:
	default:
		r.logger.Warn("audit queue full, entry dropped",
			"caller", entry.Caller, "resource", entry.Resource)
	}
}

func (r *Recorder) drain() {
	defer r.wg.Done()

	for {
		select {
		case entry := <-r.queue:
			r.persistFn(entry)
		case <-r.done:
			for {
				select {
				case entry := <-r.queue:
					r.persistFn(entry)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) persist(entry Entry) {
	if r.db == nil {
		r.logger.Debug("audit store not configured, entry discarded",
			"caller", entry.Caller, "resource", entry.Resource)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		r.logger.Error("failed to persist audit entry",
			"error", err, "caller", entry.Caller, "resource", entry.Resource)
	}
}

// Close flushes queued entries and stops the worker.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}
