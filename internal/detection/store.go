package detection

import (
	"context"
	"errors"
	"time"

	"github.com/mntrk/observatory-backend/internal/shared"
	"gorm.io/gorm"
)

// Store is the primary durable store: the audit-grade database of record.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Record{})
}

// InsertBatch writes all rows of one batch in a single transaction.
func (s *Store) InsertBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(records).Error
}

func (s *Store) GetByID(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	return &rec, err
}

// ListFilter narrows a historical query. Zero values mean no constraint.
type ListFilter struct {
	Source string
	Since  time.Time
	Until  time.Time
	Limit  int
}

func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	q := s.db.WithContext(ctx).Model(&Record{})

	if filter.Source != "" {
		q = q.Where("source = ?", filter.Source)
	}
	if !filter.Since.IsZero() {
		q = q.Where("detected_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		q = q.Where("detected_at <= ?", filter.Until)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var records []*Record
	err := q.Order("detected_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

// Summary is the analytics rollup backing the dashboard stat widgets.
type Summary struct {
	TotalDetections  int64            `json:"total_detections"`
	RecentDetections int64            `json:"recent_detections"`
	AvgConfidence    float64          `json:"avg_confidence"`
	BySource         map[string]int64 `json:"by_source"`
	BySpecies        map[string]int64 `json:"by_species"`
	Hotspots         []Hotspot        `json:"hotspots"`
}

// Hotspot is a detection count bucketed to 0.1-degree coordinates.
type Hotspot struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Count     int64   `json:"count"`
}

func (s *Store) Summarize(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		BySource:  make(map[string]int64),
		BySpecies: make(map[string]int64),
	}

	db := s.db.WithContext(ctx).Model(&Record{})

	if err := db.Count(&summary.TotalDetections).Error; err != nil {
		return nil, err
	}

	cutoff := time.Now().AddDate(0, 0, -30)
	if err := s.db.WithContext(ctx).Model(&Record{}).
		Where("detected_at >= ?", cutoff).
		Count(&summary.RecentDetections).Error; err != nil {
		return nil, err
	}

	var avg *float64
	if err := s.db.WithContext(ctx).Model(&Record{}).
		Select("AVG(confidence)").Scan(&avg).Error; err != nil {
		return nil, err
	}
	if avg != nil {
		summary.AvgConfidence = *avg
	}

	type bucket struct {
		Key   string
		Count int64
	}

	var sources []bucket
	if err := s.db.WithContext(ctx).Model(&Record{}).
		Select("source AS key, COUNT(*) AS count").
		Group("source").Scan(&sources).Error; err != nil {
		return nil, err
	}
	for _, b := range sources {
		summary.BySource[b.Key] = b.Count
	}

	var species []bucket
	if err := s.db.WithContext(ctx).Model(&Record{}).
		Where("species <> ''").
		Select("species AS key, COUNT(*) AS count").
		Group("species").Scan(&species).Error; err != nil {
		return nil, err
	}
	for _, b := range species {
		summary.BySpecies[b.Key] = b.Count
	}

	// CAST keeps the rounding portable: postgres has no ROUND(double, int)
	// and sqlite has no ::numeric.
	const latBucket = "ROUND(CAST(latitude AS numeric), 1)"
	const lonBucket = "ROUND(CAST(longitude AS numeric), 1)"
	if err := s.db.WithContext(ctx).Model(&Record{}).
		Where("latitude IS NOT NULL AND longitude IS NOT NULL").
		Select(latBucket + " AS latitude, " + lonBucket + " AS longitude, COUNT(*) AS count").
		Group(latBucket + ", " + lonBucket).
		Order("count DESC").
		Limit(20).
		Scan(&summary.Hotspots).Error; err != nil {
		return nil, err
	}

	return summary, nil
}
