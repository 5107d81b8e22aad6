package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/veritrace/veritrace/internal/archive"
	"github.com/veritrace/veritrace/internal/domain"
	"github.com/veritrace/veritrace/internal/fingerprint"
	"github.com/veritrace/veritrace/internal/logger"
	"github.com/veritrace/veritrace/internal/repository"
	"gorm.io/gorm"
)

// CacheService answers "have we analyzed this before" without re-running
// the analysis pipeline. Lookups go through two tiers: an exact content
// hash match, then a perceptual near-duplicate search over LSH candidates.
type CacheService struct {
	repo      *repository.FingerprintRepository
	sampler   *fingerprint.Sampler
	store     archive.ObjectStorage
	logger    *logger.Logger
	threshold int
	numBands  int
	maxAge    time.Duration
}

// CacheConfig holds tuning for the cache service.
type CacheConfig struct {
	HammingThreshold int
	LSHBands         int
	MaxAgeDays       int
}

// NewCacheService creates a new cache service. The archive store is
// optional; pass nil to disable media retention.
func NewCacheService(
	repo *repository.FingerprintRepository,
	sampler *fingerprint.Sampler,
	store archive.ObjectStorage,
	log *logger.Logger,
	cfg *CacheConfig,
) *CacheService {
	threshold := cfg.HammingThreshold
	if threshold <= 0 {
		threshold = fingerprint.DefaultThreshold
	}
	numBands := cfg.LSHBands
	if numBands <= 0 {
		numBands = domain.LSHBandCount
	}
	return &CacheService{
		repo:      repo,
		sampler:   sampler,
		store:     store,
		logger:    log,
		threshold: threshold,
		numBands:  numBands,
		maxAge:    time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
	}
}

// log returns a logger from context if available, otherwise returns the default logger
func (s *CacheService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// Fingerprint samples the media at path and computes its fingerprint.
func (s *CacheService) Fingerprint(ctx context.Context, path string) (*fingerprint.Fingerprint, error) {
	frames, _, err := s.sampler.Sample(path)
	if err != nil {
		return nil, err
	}
	return fingerprint.Compute(frames)
}

// CheckCache looks up a cached verdict for the media at path.
// Parameters:
//   - ctx: request context.
//   - path: local path to the media file.
// Returns:
//   - *domain.CachedVerdict: the hit, or nil when nothing matched.
//   - error: non-nil on fingerprinting or database failure.
func (s *CacheService) CheckCache(ctx context.Context, path string) (*domain.CachedVerdict, error) {
	start := time.Now()

	fp, err := s.Fingerprint(ctx, path)
	if err != nil {
		return nil, err
	}

	hit, err := s.lookup(ctx, fp)
	if err != nil {
		return nil, err
	}

	status := "miss"
	if hit != nil {
		status = string(hit.HitType)
	}
	logger.With(logger.Fields{
		logger.FieldContentHash: fp.ContentHash,
	}).WithDuration(time.Since(start).Milliseconds()).WithStatus(status).Debug(ctx, "Cache check completed")

	return hit, nil
}

// CheckCacheBytes is CheckCache over an in-memory media buffer.
func (s *CacheService) CheckCacheBytes(ctx context.Context, data []byte) (*domain.CachedVerdict, error) {
	frames, _, err := s.sampler.SampleBytes(data)
	if err != nil {
		return nil, err
	}
	fp, err := fingerprint.Compute(frames)
	if err != nil {
		return nil, err
	}
	return s.lookup(ctx, fp)
}

// lookup runs the two-tier match for a computed fingerprint.
func (s *CacheService) lookup(ctx context.Context, fp *fingerprint.Fingerprint) (*domain.CachedVerdict, error) {
	// Tier 1: exact content match. Touch happens inside the same
	// transaction as the read.
	rec, err := s.repo.LookupExact(ctx, fp.ContentHash)
	if err == nil {
		return &domain.CachedVerdict{Record: rec, HitType: domain.HitTypeExact, Distance: 0}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up content hash: %w", err)
	}

	// Tier 2: identical perceptual hash. Cheaper than the band scan and
	// catches re-encodes that preserved every frame hash.
	rec, err = s.repo.GetByPerceptualHash(ctx, fp.PerceptualHash)
	if err == nil {
		touched, err := s.repo.Touch(ctx, rec.ContentHash)
		if err != nil {
			return nil, fmt.Errorf("failed to touch record: %w", err)
		}
		return &domain.CachedVerdict{Record: touched, HitType: domain.HitTypePerceptual, Distance: 0}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up perceptual hash: %w", err)
	}

	// Tier 2b: LSH candidates filtered by Hamming distance.
	bands := fingerprint.Bands(fp.FrameHashes, s.numBands)
	candidates, err := s.repo.CandidatesByBands(ctx, bands)
	if err != nil {
		return nil, fmt.Errorf("failed to query band candidates: %w", err)
	}

	best := s.bestMatch(ctx, fp.PerceptualHash, candidates)
	if best == nil {
		return nil, nil
	}

	touched, err := s.repo.Touch(ctx, best.Record.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("failed to touch record: %w", err)
	}
	best.Record = touched
	return best, nil
}

// bestMatch picks the closest candidate within the threshold. Candidates
// whose stored hash fails to parse are logged and skipped, never fatal.
func (s *CacheService) bestMatch(ctx context.Context, queryHash string, candidates []domain.FingerprintRecord) *domain.CachedVerdict {
	var best *domain.CachedVerdict
	for i := range candidates {
		cand := &candidates[i]
		ok, dist, err := fingerprint.Similar(queryHash, cand.PerceptualHash, s.threshold)
		if err != nil {
			s.log(ctx).WithFields(logger.Fields{
				logger.FieldContentHash: cand.ContentHash,
			}).WithError(err).Warn("Skipping candidate with unparseable hash")
			continue
		}
		if !ok {
			continue
		}
		if best == nil || dist < best.Distance {
			best = &domain.CachedVerdict{Record: cand, HitType: domain.HitTypePerceptual, Distance: dist}
		}
	}
	return best
}

// StoreResult caches an analysis verdict for the media at path.
// Re-storing known content refreshes last_seen and bumps the detection
// count while preserving first_seen; the verdict fields take the new
// values.
// Parameters:
//   - ctx: request context.
//   - path: local path to the media file.
//   - verdict: detection outcome from the analysis pipeline.
//   - metadata: optional opaque JSON carried with the record.
// Returns:
//   - *domain.FingerprintRecord: the stored record.
//   - error: non-nil on fingerprinting or database failure.
func (s *CacheService) StoreResult(ctx context.Context, path string, verdict domain.Verdict, metadata string) (*domain.FingerprintRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnreadableMedia, err)
	}

	frames, _, err := s.sampler.SampleBytes(data)
	if err != nil {
		return nil, err
	}
	fp, err := fingerprint.Compute(frames)
	if err != nil {
		return nil, err
	}

	rec := &domain.FingerprintRecord{
		ContentHash:    fp.ContentHash,
		PerceptualHash: fp.PerceptualHash,
		IsDeepfake:     verdict.IsDeepfake,
		Confidence:     verdict.Confidence,
		LipsyncScore:   verdict.LipsyncScore,
		FactCheckScore: verdict.FactCheckScore,
		Metadata:       metadata,
	}
	rec.SetBands(fingerprint.Bands(fp.FrameHashes, s.numBands))

	stored, err := s.repo.InsertOrTouch(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to store fingerprint: %w", err)
	}

	// Retain the media for later lineage registration. Archive failures
	// are logged but never fail the store: the verdict is already cached.
	if s.store != nil {
		s.archiveMedia(ctx, fp.ContentHash, data)
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldContentHash: fp.ContentHash,
		"is_deepfake":           verdict.IsDeepfake,
		"confidence":            verdict.Confidence,
	}).Info("Stored analysis result")

	return stored, nil
}

func (s *CacheService) archiveMedia(ctx context.Context, contentHash string, data []byte) {
	format := mediaFormat(data)
	key := archive.Key(contentHash, format)

	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		s.log(ctx).WithError(err).Warn("Failed to check archive existence")
		return
	}
	if exists {
		return
	}

	if err := s.store.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), contentTypeFor(format)); err != nil {
		s.log(ctx).WithField("archive_key", key).WithError(err).Warn("Failed to archive media")
	}
}

// mediaFormat sniffs the registered image format of the buffer. Empty when
// the format is unknown.
func mediaFormat(data []byte) string {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return format
}

func contentTypeFor(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// Stats returns aggregate statistics for the fingerprint store.
func (s *CacheService) Stats(ctx context.Context) (*domain.StoreStats, error) {
	return s.repo.Stats(ctx)
}

// Cleanup removes records not seen within the retention window.
// Returns the number of records removed.
func (s *CacheService) Cleanup(ctx context.Context) (int64, error) {
	if s.maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.maxAge)
	removed, err := s.repo.Cleanup(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up fingerprints: %w", err)
	}
	if removed > 0 {
		s.log(ctx).WithField(logger.FieldCount, removed).Info("Removed stale fingerprints")
	}
	return removed, nil
}
