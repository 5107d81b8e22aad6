package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// LSHBandCount is the number of band columns on the fingerprint and
// lineage tables. The banding math supports any count, but the persisted
// layout pins it so index and query time can never disagree.
const LSHBandCount = 5

// HashHitType describes which lookup tier produced a cache hit.
type HashHitType string

const (
	HitTypeExact      HashHitType = "exact"
	HitTypePerceptual HashHitType = "perceptual"
)

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the slice.
//   - error: non-nil if marshaling fails.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StringArray")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// Verdict is the detection outcome supplied by the analysis pipeline.
// The engine caches and relates verdicts; it never produces them.
type Verdict struct {
	IsDeepfake     bool     `json:"is_deepfake"`
	Confidence     float64  `json:"confidence"`
	LipsyncScore   *float64 `json:"lipsync_score,omitempty"`
	FactCheckScore *float64 `json:"fact_check_score,omitempty"`
}

// FingerprintRecord is one cached fingerprint per distinct piece of content.
// The content hash is exact-match only; the perceptual hash and band columns
// serve near-duplicate search.
type FingerprintRecord struct {
	ContentHash    string      `gorm:"type:text;primaryKey" json:"content_hash"`
	PerceptualHash string      `gorm:"type:text;not null;index:idx_fingerprints_perceptual" json:"perceptual_hash"`
	LSHBand0       string      `gorm:"column:lsh_band_0;type:text;index:idx_fingerprints_band_0" json:"lsh_band_0"`
	LSHBand1       string      `gorm:"column:lsh_band_1;type:text;index:idx_fingerprints_band_1" json:"lsh_band_1"`
	LSHBand2       string      `gorm:"column:lsh_band_2;type:text;index:idx_fingerprints_band_2" json:"lsh_band_2"`
	LSHBand3       string      `gorm:"column:lsh_band_3;type:text;index:idx_fingerprints_band_3" json:"lsh_band_3"`
	LSHBand4       string      `gorm:"column:lsh_band_4;type:text;index:idx_fingerprints_band_4" json:"lsh_band_4"`
	IsDeepfake     bool        `gorm:"not null;index:idx_fingerprints_deepfake" json:"is_deepfake"`
	Confidence     float64     `gorm:"not null" json:"confidence"`
	LipsyncScore   *float64    `json:"lipsync_score,omitempty"`
	FactCheckScore *float64    `json:"fact_check_score,omitempty"`
	FirstSeen      time.Time   `gorm:"not null" json:"first_seen"`
	LastSeen       time.Time   `gorm:"not null;index:idx_fingerprints_last_seen" json:"last_seen"`
	DetectionCount int64       `gorm:"default:1" json:"detection_count"`
	Metadata       string      `gorm:"type:text" json:"metadata,omitempty"`
}

// TableName returns the database table name for FingerprintRecord.
func (FingerprintRecord) TableName() string {
	return "fingerprints"
}

// Verdict extracts the detection verdict fields from the record.
func (r *FingerprintRecord) Verdict() Verdict {
	return Verdict{
		IsDeepfake:     r.IsDeepfake,
		Confidence:     r.Confidence,
		LipsyncScore:   r.LipsyncScore,
		FactCheckScore: r.FactCheckScore,
	}
}

// Bands returns the band columns in index order.
func (r *FingerprintRecord) Bands() []string {
	return []string{r.LSHBand0, r.LSHBand1, r.LSHBand2, r.LSHBand3, r.LSHBand4}
}

// SetBands writes band values into the fixed columns. Bands beyond
// LSHBandCount are dropped; missing bands leave empty columns, which are
// never matched at query time.
func (r *FingerprintRecord) SetBands(bands []string) {
	cols := [LSHBandCount]*string{&r.LSHBand0, &r.LSHBand1, &r.LSHBand2, &r.LSHBand3, &r.LSHBand4}
	for i, col := range cols {
		if i < len(bands) {
			*col = bands[i]
		} else {
			*col = ""
		}
	}
}

// CachedVerdict is the result of a cache check: the stored record plus how
// it was matched.
type CachedVerdict struct {
	Record   *FingerprintRecord `json:"record"`
	HitType  HashHitType        `json:"hit_type"`
	Distance int                `json:"distance"`
}

// StoreStats summarizes the fingerprint table.
type StoreStats struct {
	TotalEntries      int64   `json:"total_entries"`
	DeepfakeCount     int64   `json:"deepfake_count"`
	AuthenticCount    int64   `json:"authentic_count"`
	TotalLookups      int64   `json:"total_lookups"`
	AverageConfidence float64 `json:"average_confidence"`
	StorageBytes      int64   `json:"storage_bytes"`
}
