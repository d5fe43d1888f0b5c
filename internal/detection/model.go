package detection

import (
	"fmt"
	"time"

	"github.com/mntrk/observatory-backend/internal/shared"
)

// BoundingBox locates one detected animal in source-image pixel space.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DetectionItem is a single object detection within a frame. The enrichment
// fields beyond confidence and labels are optional; inference services that
// don't produce them leave them unset.
type DetectionItem struct {
	BBox         BoundingBox    `json:"bbox"`
	Confidence   float64        `json:"confidence"`
	ClassLabel   string         `json:"class_label"`
	Species      string         `json:"species"`
	Gender       string         `json:"gender,omitempty"`
	AgeEstimate  string         `json:"age_estimate,omitempty"`
	HealthStatus string         `json:"health_status,omitempty"`
	ThreatLevel  *int           `json:"threat_level,omitempty"`
	BehaviorTags []string       `json:"behavior_tags,omitempty"`
	Attributes   map[string]any `json:"physical_attributes,omitempty"`
}

// Location is the geographic origin of a frame; absent for sources without
// geotagging.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DetectionBatch is one inference run's full output. It flows through the
// pipeline exactly once and is never mutated after the write step.
type DetectionBatch struct {
	ImageID          string          `json:"image_id"`
	Location         *Location       `json:"location,omitempty"`
	Items            []DetectionItem `json:"items"`
	Source           string          `json:"source"`
	ProcessingTimeMs int             `json:"processing_time_ms"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	DetectedAt       time.Time       `json:"detected_at,omitempty"`
}

// Validate rejects malformed batches before any side effect.
func (b *DetectionBatch) Validate() error {
	if b.ImageID == "" {
		return fmt.Errorf("image_id is required")
	}
	if b.Source == "" {
		return fmt.Errorf("source is required")
	}
	if b.ProcessingTimeMs < 0 {
		return fmt.Errorf("processing_time_ms must be >= 0")
	}
	if b.Location != nil {
		if b.Location.Latitude < -90 || b.Location.Latitude > 90 {
			return fmt.Errorf("latitude %v out of range [-90, 90]", b.Location.Latitude)
		}
		if b.Location.Longitude < -180 || b.Location.Longitude > 180 {
			return fmt.Errorf("longitude %v out of range [-180, 180]", b.Location.Longitude)
		}
	}
	for i, item := range b.Items {
		if item.Confidence < 0 || item.Confidence > 1 {
			return fmt.Errorf("items[%d]: confidence %v out of range [0, 1]", i, item.Confidence)
		}
		if item.ClassLabel == "" {
			return fmt.Errorf("items[%d]: class_label is required", i)
		}
		if item.BBox.Width < 0 || item.BBox.Height < 0 {
			return fmt.Errorf("items[%d]: bounding box dimensions must be >= 0", i)
		}
		if item.ThreatLevel != nil && (*item.ThreatLevel < 0 || *item.ThreatLevel > 10) {
			return fmt.Errorf("items[%d]: threat_level %d out of range [0, 10]", i, *item.ThreatLevel)
		}
	}
	return nil
}

// ConfidenceAggregate is the max of item confidences, 0 for an empty batch.
func (b *DetectionBatch) ConfidenceAggregate() float64 {
	max := 0.0
	for _, item := range b.Items {
		if item.Confidence > max {
			max = item.Confidence
		}
	}
	return max
}

// TopItem returns the highest-confidence item, the earlier one on ties.
// Nil for an empty batch.
func (b *DetectionBatch) TopItem() *DetectionItem {
	var top *DetectionItem
	for i := range b.Items {
		if top == nil || b.Items[i].Confidence > top.Confidence {
			top = &b.Items[i]
		}
	}
	return top
}

// Record is the primary-store row, one per DetectionItem. Full fidelity for
// historical and audit queries.
type Record struct {
	ID               string             `gorm:"primaryKey" json:"id"`
	BatchID          string             `gorm:"not null;index" json:"batch_id"`
	ImageID          string             `gorm:"not null;index" json:"image_id"`
	Source           string             `gorm:"not null;index" json:"source"`
	ItemIndex        int                `json:"item_index"`
	ItemCount        int                `json:"item_count"`
	ClassLabel       string             `json:"class_label"`
	Species          string             `json:"species"`
	Confidence       float64            `json:"confidence"`
	BBoxX            float64            `json:"bbox_x"`
	BBoxY            float64            `json:"bbox_y"`
	BBoxWidth        float64            `json:"bbox_width"`
	BBoxHeight       float64            `json:"bbox_height"`
	Gender           string             `json:"gender,omitempty"`
	AgeEstimate      string             `json:"age_estimate,omitempty"`
	HealthStatus     string             `json:"health_status,omitempty"`
	ThreatLevel      *int               `json:"threat_level,omitempty"`
	BehaviorTags     shared.StringSlice `gorm:"type:json" json:"behavior_tags,omitempty"`
	Attributes       shared.JSONMap     `gorm:"type:json" json:"physical_attributes,omitempty"`
	Latitude         *float64           `gorm:"index" json:"latitude,omitempty"`
	Longitude        *float64           `gorm:"index" json:"longitude,omitempty"`
	ProcessingTimeMs int                `json:"processing_time_ms"`
	Metadata         shared.JSONMap     `gorm:"type:json" json:"metadata,omitempty"`
	DetectedAt       time.Time          `gorm:"not null;index" json:"detected_at"`
	CreatedAt        time.Time          `json:"created_at"`
}

func (Record) TableName() string {
	return "detection_patterns"
}

// LiveDetection is the secondary-store projection, one row per batch. The
// top-confidence item's fields are promoted to top level and the full item
// list rides along under RiskContext, because the live map and stat widgets
// only ever need the batch summary.
type LiveDetection struct {
	ID               string          `json:"id"`
	BatchID          string          `json:"batch_id"`
	ImageID          string          `json:"image_id"`
	Source           string          `json:"source"`
	ClassLabel       string          `json:"class_label"`
	Species          string          `json:"species"`
	Confidence       float64         `json:"confidence"`
	ItemCount        int             `json:"item_count"`
	Latitude         *float64        `json:"latitude,omitempty"`
	Longitude        *float64        `json:"longitude,omitempty"`
	ProcessingTimeMs int             `json:"processing_time_ms"`
	RiskContext      []DetectionItem `json:"risk_context"`
	DetectedAt       time.Time       `json:"detected_at"`
	CreatedAt        time.Time       `json:"created_at"`
}

// NewRecords explodes a batch into primary-store rows. An empty batch still
// produces a single zero-item row so the frame remains auditable.
func NewRecords(batchID string, b *DetectionBatch, now time.Time) []*Record {
	detectedAt := b.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = now
	}

	var lat, lon *float64
	if b.Location != nil {
		lat = &b.Location.Latitude
		lon = &b.Location.Longitude
	}

	base := Record{
		BatchID:          batchID,
		ImageID:          b.ImageID,
		Source:           b.Source,
		ItemCount:        len(b.Items),
		Latitude:         lat,
		Longitude:        lon,
		ProcessingTimeMs: b.ProcessingTimeMs,
		Metadata:         b.Metadata,
		DetectedAt:       detectedAt,
	}

	if len(b.Items) == 0 {
		rec := base
		rec.ID = shared.NewID("det_")
		return []*Record{&rec}
	}

	records := make([]*Record, 0, len(b.Items))
	for i, item := range b.Items {
		rec := base
		rec.ID = shared.NewID("det_")
		rec.ItemIndex = i
		rec.ClassLabel = item.ClassLabel
		rec.Species = item.Species
		rec.Confidence = item.Confidence
		rec.BBoxX = item.BBox.X
		rec.BBoxY = item.BBox.Y
		rec.BBoxWidth = item.BBox.Width
		rec.BBoxHeight = item.BBox.Height
		rec.Gender = item.Gender
		rec.AgeEstimate = item.AgeEstimate
		rec.HealthStatus = item.HealthStatus
		rec.ThreatLevel = item.ThreatLevel
		rec.BehaviorTags = item.BehaviorTags
		rec.Attributes = item.Attributes
		records = append(records, &rec)
	}
	return records
}

// NewLiveDetection builds the denormalized batch summary for the live store.
func NewLiveDetection(batchID string, b *DetectionBatch, now time.Time) *LiveDetection {
	detectedAt := b.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = now
	}

	live := &LiveDetection{
		ID:               shared.NewID("live_"),
		BatchID:          batchID,
		ImageID:          b.ImageID,
		Source:           b.Source,
		Confidence:       b.ConfidenceAggregate(),
		ItemCount:        len(b.Items),
		ProcessingTimeMs: b.ProcessingTimeMs,
		RiskContext:      b.Items,
		DetectedAt:       detectedAt,
		CreatedAt:        now,
	}

	if b.Location != nil {
		live.Latitude = &b.Location.Latitude
		live.Longitude = &b.Location.Longitude
	}

	if top := b.TopItem(); top != nil {
		live.ClassLabel = top.ClassLabel
		live.Species = top.Species
	}

	return live
}
