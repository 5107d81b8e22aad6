package domain

import "time"

// SightingEvent records one observation of registered content on a
// platform. Events are append-only: inserted once, never mutated.
type SightingEvent struct {
	ID           string    `gorm:"type:text;primaryKey" json:"id"`
	ContentHash  string    `gorm:"type:text;not null;index:idx_sightings_hash" json:"content_hash"`
	Platform     string    `gorm:"type:text;not null;index:idx_sightings_platform" json:"platform"`
	URL          string    `gorm:"type:text" json:"url,omitempty"`
	DiscoveredAt time.Time `gorm:"not null;index:idx_sightings_discovered" json:"discovered_at"`
	ViewCount    *int64    `json:"view_count,omitempty"`
	ShareCount   *int64    `json:"share_count,omitempty"`
	Country      string    `gorm:"type:text" json:"country,omitempty"`
	City         string    `gorm:"type:text" json:"city,omitempty"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	IPHash       string    `gorm:"type:text" json:"ip_hash,omitempty"`
	Metadata     string    `gorm:"type:text" json:"metadata,omitempty"`

	// Enriched from the lineage table on timeline queries. Never persisted.
	Generation int  `gorm:"-" json:"generation"`
	IsDeepfake bool `gorm:"-" json:"is_deepfake"`
}

// TableName returns the database table name for SightingEvent.
func (SightingEvent) TableName() string {
	return "sightings"
}

// SpreadLocation is one geo-tagged marker for map display: either the
// origin of a family member or a sighting of one.
type SpreadLocation struct {
	Type        string    `json:"type"` // "origin" or "spread"
	ContentHash string    `json:"content_hash"`
	Timestamp   time.Time `json:"timestamp"`
	Platform    string    `json:"platform"`
	Country     string    `json:"country,omitempty"`
	City        string    `json:"city,omitempty"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	IsDeepfake  bool      `json:"is_deepfake"`
	Generation  int       `json:"generation"`
}
