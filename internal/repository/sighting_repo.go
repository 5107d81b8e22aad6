package repository

import (
	"context"
	"fmt"

	"github.com/veritrace/veritrace/internal/domain"
	"gorm.io/gorm"
)

// SightingRepository handles the append-only sightings table. Events are
// inserted once and never updated or deleted.
type SightingRepository struct {
	db *gorm.DB
}

// NewSightingRepository creates a new SightingRepository.
func NewSightingRepository(db *gorm.DB) *SightingRepository {
	return &SightingRepository{db: db}
}

// Create appends one sighting event.
func (r *SightingRepository) Create(ctx context.Context, event *domain.SightingEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to record sighting: %w", err)
	}
	return nil
}

// ByHashes retrieves all sightings of the given content hashes, ordered by
// discovery time ascending.
func (r *SightingRepository) ByHashes(ctx context.Context, hashes []string) ([]domain.SightingEvent, error) {
	if len(hashes) == 0 {
		return []domain.SightingEvent{}, nil
	}
	var events []domain.SightingEvent
	if err := r.db.WithContext(ctx).
		Where("content_hash IN ?", hashes).
		Order("discovered_at ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to query sightings: %w", err)
	}
	return events, nil
}

// GeoTaggedByHashes retrieves sightings of the given hashes that carry
// coordinates, ordered by discovery time ascending.
func (r *SightingRepository) GeoTaggedByHashes(ctx context.Context, hashes []string) ([]domain.SightingEvent, error) {
	if len(hashes) == 0 {
		return []domain.SightingEvent{}, nil
	}
	var events []domain.SightingEvent
	err := r.db.WithContext(ctx).
		Where("content_hash IN ?", hashes).
		Where("latitude IS NOT NULL AND longitude IS NOT NULL").
		Order("discovered_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query geo-tagged sightings: %w", err)
	}
	return events, nil
}
