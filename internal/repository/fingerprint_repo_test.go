package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/veritrace/veritrace/internal/config"
	"github.com/veritrace/veritrace/internal/domain"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) (*gorm.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         path,
		MaxIdleConns: 1,
		MaxOpenConns: 1,
		AutoMigrate:  true,
	})
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	return db, path
}

func testRecord(contentHash, perceptualHash string, deepfake bool) *domain.FingerprintRecord {
	rec := &domain.FingerprintRecord{
		ContentHash:    contentHash,
		PerceptualHash: perceptualHash,
		IsDeepfake:     deepfake,
		Confidence:     0.9,
	}
	rec.SetBands([]string{"B0", "B1", "B2", "B3", "B4"})
	return rec
}

func TestInsertOrTouchNewRecord(t *testing.T) {
	db, path := openTestDB(t)
	repo := NewFingerprintRepository(db, path)
	ctx := context.Background()

	stored, err := repo.InsertOrTouch(ctx, testRecord("hash-a", "AAAA", true))
	if err != nil {
		t.Fatalf("InsertOrTouch failed: %v", err)
	}

	if stored.DetectionCount != 1 {
		t.Errorf("DetectionCount: got %d, want 1", stored.DetectionCount)
	}
	if stored.FirstSeen.IsZero() || stored.LastSeen.IsZero() {
		t.Error("Timestamps not set")
	}
	if !stored.FirstSeen.Equal(stored.LastSeen) {
		t.Error("FirstSeen and LastSeen should match on insert")
	}
}

func TestInsertOrTouchExistingPreservesFirstSeen(t *testing.T) {
	db, path := openTestDB(t)
	repo := NewFingerprintRepository(db, path)
	ctx := context.Background()

	first, err := repo.InsertOrTouch(ctx, testRecord("hash-a", "AAAA", false))
	if err != nil {
		t.Fatalf("InsertOrTouch failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	// Re-store with a different verdict: last write wins but the history
	// survives.
	update := testRecord("hash-a", "AAAA", true)
	update.Confidence = 0.99
	second, err := repo.InsertOrTouch(ctx, update)
	if err != nil {
		t.Fatalf("InsertOrTouch failed: %v", err)
	}

	if !second.FirstSeen.Equal(first.FirstSeen) {
		t.Errorf("FirstSeen changed: %v != %v", second.FirstSeen, first.FirstSeen)
	}
	if second.DetectionCount != 2 {
		t.Errorf("DetectionCount: got %d, want 2", second.DetectionCount)
	}
	if !second.IsDeepfake || second.Confidence != 0.99 {
		t.Errorf("Verdict not overwritten: deepfake=%v confidence=%v", second.IsDeepfake, second.Confidence)
	}
	if !second.LastSeen.After(first.LastSeen) {
		t.Errorf("LastSeen not advanced: %v <= %v", second.LastSeen, first.LastSeen)
	}
}

func TestInsertOrTouchConcurrentSameHash(t *testing.T) {
	db, path := openTestDB(t)
	repo := NewFingerprintRepository(db, path)
	ctx := context.Background()

	// Concurrent first-time stores of one content hash must all resolve
	// to the same row; the storage engine serializes the conflict.
	const writers = 8
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.InsertOrTouch(ctx, testRecord("hash-a", "AAAA", true))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("InsertOrTouch failed: %v", err)
		}
	}

	stored, err := repo.GetByContentHash(ctx, "hash-a")
	if err != nil {
		t.Fatalf("GetByContentHash failed: %v", err)
	}
	if stored.DetectionCount != writers {
		t.Errorf("DetectionCount: got %d, want %d", stored.DetectionCount, writers)
	}
	if stored.FirstSeen.After(stored.LastSeen) {
		t.Errorf("FirstSeen after LastSeen: %v > %v", stored.FirstSeen, stored.LastSeen)
	}
}

func TestBandColumnsMatchQueryNames(t *testing.T) {
	db, _ := openTestDB(t)

	// The candidate queries address the band columns by name; the
	// migrated schema must carry exactly those names on both tables.
	for i := 0; i < domain.LSHBandCount; i++ {
		col := fmt.Sprintf("lsh_band_%d", i)
		if !db.Migrator().HasColumn(&domain.FingerprintRecord{}, col) {
			t.Errorf("fingerprints table missing column %s", col)
		}
		if !db.Migrator().HasColumn(&domain.LineageNode{}, col) {
			t.Errorf("lineage table missing column %s", col)
		}
	}
}

func TestLookupExactTouches(t *testing.T) {
	db, path := openTestDB(t)
	repo := NewFingerprintRepository(db, path)
	ctx := context.Background()

	if _, err := repo.InsertOrTouch(ctx, testRecord("hash-a", "AAAA", true)); err != nil {
		t.Fatalf("InsertOrTouch failed: %v", err)
	}

	rec, err := repo.LookupExact(ctx, "hash-a")
	if err != nil {
		t.Fatalf("LookupExact failed: %v", err)
	}
	if rec.DetectionCount != 2 {
		t.Errorf("DetectionCount after lookup: got %d, want 2", rec.DetectionCount)
	}

	// Verify persistence, not just the mirrored struct.
	stored, err := repo.GetByContentHash(ctx, "hash-a")
	if err != nil {
		t.Fatalf("GetByContentHash failed: %v", err)
	}
	if stored.DetectionCount != 2 {
		t.Errorf("Persisted DetectionCount: got %d, want 2", stored.DetectionCount)
	}
}

func TestLookupExactMiss(t *testing.T) {
	db, path := openTestDB(t)
	repo := NewFingerprintRepository(db, path)

	_, err := repo.LookupExact(context.Background(), "never-stored")
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}

func TestCandidatesByBands(t *testing.T) {
	db, path := openTestDB(t)
	repo := NewFingerprintRepository(db, path)
	ctx := context.Background()

	a := testRecord("hash-a", "AAAA", false)
	a.SetBands([]string{"X0", "X1", "X2", "X3", "X4"})
	b := testRecord("hash-b", "BBBB", false)
	b.SetBands([]string{"Y0", "X1", "Y2", "Y3", "Y4"}) // shares band 1 with the query
	c := testRecord("hash-c", "CCCC", false)
	c.SetBands([]string{"Z0", "Z1", "Z2", "Z3", "Z4"})

	for _, rec := range []*domain.FingerprintRecord{a, b, c} {
		if _, err := repo.InsertOrTouch(ctx, rec); err != nil {
			t.Fatalf("InsertOrTouch failed: %v", err)
		}
	}

	got, err := repo.CandidatesByBands(ctx, []string{"X0", "X1", "X2", "X3", "X4"})
	if err != nil {
		t.Fatalf("CandidatesByBands failed: %v", err)
	}

	found := map[string]bool{}
	for _, rec := range got {
		found[rec.ContentHash] = true
	}
	if !found["hash-a"] || !found["hash-b"] {
		t.Errorf("Missing expected candidates: %v", found)
	}
	if found["hash-c"] {
		t.Error("Unrelated record returned as candidate")
	}
}

func TestCandidatesByBandsSkipsEmpty(t *testing.T) {
	db, path := openTestDB(t)
	repo := NewFingerprintRepository(db, path)
	ctx := context.Background()

	rec := testRecord("hash-a", "AAAA", false)
	rec.SetBands([]string{"X0"}) // remaining columns stay empty
	if _, err := repo.InsertOrTouch(ctx, rec); err != nil {
		t.Fatalf("InsertOrTouch failed: %v", err)
	}

	// Empty query bands must not match the empty columns.
	got, err := repo.CandidatesByBands(ctx, []string{"other", "", "", "", ""})
	if err != nil {
		t.Fatalf("CandidatesByBands failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Empty bands matched: got %d candidates", len(got))
	}

	got, err = repo.CandidatesByBands(ctx, nil)
	if err != nil {
		t.Fatalf("CandidatesByBands failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Nil bands matched: got %d candidates", len(got))
	}
}

func TestStats(t *testing.T) {
	db, path := openTestDB(t)
	repo := NewFingerprintRepository(db, path)
	ctx := context.Background()

	fake := testRecord("hash-a", "AAAA", true)
	fake.Confidence = 0.8
	authentic := testRecord("hash-b", "BBBB", false)
	authentic.Confidence = 0.6

	for _, rec := range []*domain.FingerprintRecord{fake, authentic} {
		if _, err := repo.InsertOrTouch(ctx, rec); err != nil {
			t.Fatalf("InsertOrTouch failed: %v", err)
		}
	}
	// One extra lookup on the deepfake.
	if _, err := repo.LookupExact(ctx, "hash-a"); err != nil {
		t.Fatalf("LookupExact failed: %v", err)
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}

	if stats.TotalEntries != 2 {
		t.Errorf("TotalEntries: got %d, want 2", stats.TotalEntries)
	}
	if stats.DeepfakeCount != 1 || stats.AuthenticCount != 1 {
		t.Errorf("Counts: deepfake=%d authentic=%d, want 1/1", stats.DeepfakeCount, stats.AuthenticCount)
	}
	if stats.TotalLookups != 3 {
		t.Errorf("TotalLookups: got %d, want 3", stats.TotalLookups)
	}
	if stats.AverageConfidence < 0.69 || stats.AverageConfidence > 0.71 {
		t.Errorf("AverageConfidence: got %v, want ~0.7", stats.AverageConfidence)
	}
	if stats.StorageBytes <= 0 {
		t.Errorf("StorageBytes: got %d, want > 0", stats.StorageBytes)
	}
}

func TestCleanup(t *testing.T) {
	db, path := openTestDB(t)
	repo := NewFingerprintRepository(db, path)
	ctx := context.Background()

	stale := testRecord("hash-old", "AAAA", false)
	fresh := testRecord("hash-new", "BBBB", false)
	for _, rec := range []*domain.FingerprintRecord{stale, fresh} {
		if _, err := repo.InsertOrTouch(ctx, rec); err != nil {
			t.Fatalf("InsertOrTouch failed: %v", err)
		}
	}

	// Age the stale record directly.
	old := time.Now().UTC().Add(-48 * time.Hour)
	if err := db.Model(&domain.FingerprintRecord{}).
		Where("content_hash = ?", "hash-old").
		Update("last_seen", old).Error; err != nil {
		t.Fatalf("failed to age record: %v", err)
	}

	removed, err := repo.Cleanup(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Removed: got %d, want 1", removed)
	}

	if _, err := repo.GetByContentHash(ctx, "hash-old"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("Stale record still present: %v", err)
	}
	if _, err := repo.GetByContentHash(ctx, "hash-new"); err != nil {
		t.Errorf("Fresh record missing: %v", err)
	}
}
