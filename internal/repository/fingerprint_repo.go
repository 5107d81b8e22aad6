package repository

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/veritrace/veritrace/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FingerprintRepository handles fingerprint cache data operations.
type FingerprintRepository struct {
	db     *gorm.DB
	dbPath string // sqlite file path for storage-size stats, empty otherwise
}

// NewFingerprintRepository creates a new FingerprintRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//   - dbPath: sqlite database file path, or empty for other drivers.
// Returns:
//   - *FingerprintRepository: repository instance bound to db.
func NewFingerprintRepository(db *gorm.DB, dbPath string) *FingerprintRepository {
	return &FingerprintRepository{db: db, dbPath: dbPath}
}

// GetByContentHash retrieves a record by its content hash without touching
// access statistics.
func (r *FingerprintRepository) GetByContentHash(ctx context.Context, contentHash string) (*domain.FingerprintRecord, error) {
	var rec domain.FingerprintRecord
	if err := r.db.WithContext(ctx).First(&rec, "content_hash = ?", contentHash).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// LookupExact performs the tier-1 point lookup by content hash. On a hit
// the record's detection count and last-seen timestamp are bumped inside
// the same transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - contentHash: cryptographic content digest.
// Returns:
//   - *domain.FingerprintRecord: record with updated access stats if found.
//   - error: gorm.ErrRecordNotFound on miss; non-nil on storage failure.
func (r *FingerprintRepository) LookupExact(ctx context.Context, contentHash string) (*domain.FingerprintRecord, error) {
	var rec domain.FingerprintRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&rec, "content_hash = ?", contentHash).Error; err != nil {
			return err
		}
		return touchRecord(tx, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Touch bumps access statistics for a record matched through the
// perceptual tier.
func (r *FingerprintRepository) Touch(ctx context.Context, contentHash string) (*domain.FingerprintRecord, error) {
	var rec domain.FingerprintRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&rec, "content_hash = ?", contentHash).Error; err != nil {
			return err
		}
		return touchRecord(tx, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// touchRecord increments detection_count and advances last_seen, mirroring
// the change into rec so callers see the post-touch state.
func touchRecord(tx *gorm.DB, rec *domain.FingerprintRecord) error {
	now := time.Now().UTC()
	if err := tx.Model(&domain.FingerprintRecord{}).
		Where("content_hash = ?", rec.ContentHash).
		Updates(map[string]interface{}{
			"detection_count": gorm.Expr("detection_count + 1"),
			"last_seen":       now,
		}).Error; err != nil {
		return err
	}
	rec.DetectionCount++
	rec.LastSeen = now
	return nil
}

// GetByPerceptualHash retrieves a record whose perceptual hash matches
// exactly (tier-2a: distance zero).
func (r *FingerprintRepository) GetByPerceptualHash(ctx context.Context, perceptualHash string) (*domain.FingerprintRecord, error) {
	var rec domain.FingerprintRecord
	if err := r.db.WithContext(ctx).First(&rec, "perceptual_hash = ?", perceptualHash).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// CandidatesByBands returns every record sharing at least one LSH band with
// the query (tier-2b candidate set). Empty band values never match.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - bands: band signatures in index order.
// Returns:
//   - []domain.FingerprintRecord: candidate records, possibly empty.
//   - error: non-nil if the query fails.
func (r *FingerprintRepository) CandidatesByBands(ctx context.Context, bands []string) ([]domain.FingerprintRecord, error) {
	conds, args := bandConditions(bands)
	if len(conds) == 0 {
		return nil, nil
	}

	var recs []domain.FingerprintRecord
	if err := r.db.WithContext(ctx).
		Where(strings.Join(conds, " OR "), args...).
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to query band candidates: %w", err)
	}
	return recs, nil
}

// bandConditions builds the OR clause over the fixed band columns.
func bandConditions(bands []string) ([]string, []interface{}) {
	var conds []string
	var args []interface{}
	for i, band := range bands {
		if i >= domain.LSHBandCount {
			break
		}
		if band == "" {
			continue
		}
		conds = append(conds, fmt.Sprintf("lsh_band_%d = ?", i))
		args = append(args, band)
	}
	return conds, args
}

// InsertOrTouch creates the record if its content hash is new, otherwise
// preserves first_seen, bumps access stats, and overwrites the verdict and
// metadata with the caller's values (last-write-wins). The conflict is
// resolved by the storage engine in a single upsert, so two concurrent
// stores of the same content hash both succeed and band columns can never
// go out of sync with the row.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - rec: record carrying hashes, bands, verdict, and metadata.
// Returns:
//   - *domain.FingerprintRecord: stored state after the call.
//   - error: non-nil if the transaction fails (fully rolled back).
func (r *FingerprintRepository) InsertOrTouch(ctx context.Context, rec *domain.FingerprintRecord) (*domain.FingerprintRecord, error) {
	now := time.Now().UTC()
	stored := *rec
	stored.FirstSeen = now
	stored.LastSeen = now
	stored.DetectionCount = 1

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "content_hash"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"perceptual_hash":  stored.PerceptualHash,
				"lsh_band_0":       stored.LSHBand0,
				"lsh_band_1":       stored.LSHBand1,
				"lsh_band_2":       stored.LSHBand2,
				"lsh_band_3":       stored.LSHBand3,
				"lsh_band_4":       stored.LSHBand4,
				"is_deepfake":      stored.IsDeepfake,
				"confidence":       stored.Confidence,
				"lipsync_score":    stored.LipsyncScore,
				"fact_check_score": stored.FactCheckScore,
				"metadata":         stored.Metadata,
				"last_seen":        now,
				"detection_count":  gorm.Expr("detection_count + 1"),
			}),
		}).Create(&stored).Error; err != nil {
			return err
		}
		// On conflict the engine kept first_seen and incremented the
		// count; read the row back so callers see the stored state.
		return tx.First(&stored, "content_hash = ?", rec.ContentHash).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert or touch fingerprint: %w", err)
	}
	return &stored, nil
}

// Stats computes summary statistics over the fingerprint table.
func (r *FingerprintRepository) Stats(ctx context.Context) (*domain.StoreStats, error) {
	stats := &domain.StoreStats{}
	db := r.db.WithContext(ctx).Model(&domain.FingerprintRecord{})

	if err := db.Count(&stats.TotalEntries).Error; err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(&domain.FingerprintRecord{}).
		Where("is_deepfake = ?", true).
		Count(&stats.DeepfakeCount).Error; err != nil {
		return nil, err
	}
	stats.AuthenticCount = stats.TotalEntries - stats.DeepfakeCount

	row := r.db.WithContext(ctx).Model(&domain.FingerprintRecord{}).
		Select("COALESCE(SUM(detection_count), 0), COALESCE(AVG(confidence), 0)").
		Row()
	if err := row.Scan(&stats.TotalLookups, &stats.AverageConfidence); err != nil {
		return nil, err
	}

	if r.dbPath != "" {
		if info, err := os.Stat(r.dbPath); err == nil {
			stats.StorageBytes = info.Size()
		}
	}

	return stats, nil
}

// Cleanup deletes records not seen since the cutoff and returns how many
// were removed.
func (r *FingerprintRepository) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("last_seen < ?", olderThan).
		Delete(&domain.FingerprintRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clean up fingerprints: %w", res.Error)
	}
	return res.RowsAffected, nil
}
