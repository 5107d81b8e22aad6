package domain

import "time"

// MultiRootHash marks the synthetic container node returned when a family
// contains more than one root (disjoint origins merged by an LSH collision).
const MultiRootHash = "multiple_origins"

// Mutation type tags assigned when a derivative is registered.
const (
	MutationMinorCompression = "minor_compression"
	MutationModerateEdit     = "moderate_edit"
	MutationSignificant      = "significant_modification"
	MutationMajorTransform   = "major_transformation"
	MutationHeavyCompression = "heavy_compression"
	MutationLightCompression = "light_compression"
	MutationWatermark        = "possible_watermark"
	MutationUnknown          = "unknown_modification"
)

// GeoContext carries optional privacy-preserving location data supplied by
// the caller at registration or sighting time. The IP is only ever stored
// as a one-way hash.
type GeoContext struct {
	Country   string   `json:"country,omitempty"`
	City      string   `json:"city,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	IPHash    string   `json:"ip_hash,omitempty"`
}

// LineageNode is one node in the derivation forest, one per registered
// fingerprint. A nil ParentHash marks a root (generation 0); otherwise
// Generation is always the parent's generation plus one.
type LineageNode struct {
	ContentHash    string      `gorm:"type:text;primaryKey" json:"content_hash"`
	PerceptualHash string      `gorm:"type:text;not null;index:idx_lineage_perceptual" json:"perceptual_hash"`
	LSHBand0       string      `gorm:"column:lsh_band_0;type:text;index:idx_lineage_band_0" json:"-"`
	LSHBand1       string      `gorm:"column:lsh_band_1;type:text;index:idx_lineage_band_1" json:"-"`
	LSHBand2       string      `gorm:"column:lsh_band_2;type:text;index:idx_lineage_band_2" json:"-"`
	LSHBand3       string      `gorm:"column:lsh_band_3;type:text;index:idx_lineage_band_3" json:"-"`
	LSHBand4       string      `gorm:"column:lsh_band_4;type:text;index:idx_lineage_band_4" json:"-"`
	ParentHash     *string     `gorm:"type:text;index:idx_lineage_parent" json:"parent_hash,omitempty"`
	Generation     int         `gorm:"default:0;index:idx_lineage_generation" json:"generation"`
	Mutations      StringArray `gorm:"type:text" json:"mutations"`
	Children       StringArray `gorm:"type:text" json:"children"`
	IsDeepfake     bool        `gorm:"not null" json:"is_deepfake"`
	Confidence     float64     `gorm:"not null" json:"confidence"`
	FirstSeen      time.Time   `gorm:"not null" json:"first_seen"`
	SourcePlatform string      `gorm:"type:text" json:"source_platform,omitempty"`
	SourceURL      string      `gorm:"type:text" json:"source_url,omitempty"`
	OriginCountry  string      `gorm:"type:text" json:"origin_country,omitempty"`
	OriginCity     string      `gorm:"type:text" json:"origin_city,omitempty"`
	OriginLat      *float64    `json:"origin_latitude,omitempty"`
	OriginLon      *float64    `json:"origin_longitude,omitempty"`
	IPHash         string      `gorm:"type:text" json:"ip_hash,omitempty"`
	Metadata       string      `gorm:"type:text" json:"metadata,omitempty"`

	// Distance is the Hamming distance to the query hash, set on family
	// search results. Never persisted.
	Distance int `gorm:"-" json:"distance,omitempty"`
}

// TableName returns the database table name for LineageNode.
func (LineageNode) TableName() string {
	return "lineage"
}

// IsRoot reports whether the node has no parent.
func (n *LineageNode) IsRoot() bool {
	return n.ParentHash == nil
}

// SetBands writes band values into the fixed columns, same layout as the
// fingerprint table.
func (n *LineageNode) SetBands(bands []string) {
	cols := [LSHBandCount]*string{&n.LSHBand0, &n.LSHBand1, &n.LSHBand2, &n.LSHBand3, &n.LSHBand4}
	for i, col := range cols {
		if i < len(bands) {
			*col = bands[i]
		} else {
			*col = ""
		}
	}
}

// FamilyTree is a nested view of one family assembled from the lineage
// forest. A synthetic container with ContentHash == MultiRootHash and
// Generation == -1 wraps families with more than one root.
type FamilyTree struct {
	ContentHash   string        `json:"content_hash"`
	Generation    int           `json:"generation"`
	FirstSeen     time.Time     `json:"first_seen"`
	Platform      string        `json:"platform,omitempty"`
	IsDeepfake    bool          `json:"is_deepfake"`
	Confidence    float64       `json:"confidence"`
	Mutations     []string      `json:"mutations"`
	OriginCountry string        `json:"origin_country,omitempty"`
	OriginCity    string        `json:"origin_city,omitempty"`
	Children      []*FamilyTree `json:"children"`
}

// LineageStats summarizes the lineage forest.
type LineageStats struct {
	TotalNodes     int64            `json:"total_nodes"`
	DeepfakeCount  int64            `json:"deepfake_count"`
	AuthenticCount int64            `json:"authentic_count"`
	FamilyCount    int64            `json:"family_count"`
	Generations    map[int]int64    `json:"generations"`
	PlatformSpread map[string]int64 `json:"platform_spread"`
}
