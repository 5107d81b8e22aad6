package service

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/veritrace/veritrace/internal/config"
	"github.com/veritrace/veritrace/internal/domain"
	"github.com/veritrace/veritrace/internal/fingerprint"
	"github.com/veritrace/veritrace/internal/logger"
	"github.com/veritrace/veritrace/internal/repository"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) (*gorm.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := repository.InitDB(&config.DatabaseConfig{
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

func quietLogger() *logger.Logger {
	return logger.New(&logger.Config{Level: "error", Output: io.Discard})
}

func newTestLineageService(t *testing.T) *LineageService {
	t.Helper()
	db, _ := openTestDB(t)
	return NewLineageService(
		repository.NewLineageRepository(db),
		repository.NewSightingRepository(db),
		fingerprint.NewSampler(5),
		quietLogger(),
		&LineageConfig{HammingThreshold: 12, LSHBands: 5},
	)
}

// phashWithFirstSegment builds a five-frame hash with a chosen first
// segment and zeroed remainder.
func phashWithFirstSegment(first string) string {
	segs := []string{first, "0000000000000000", "0000000000000000", "0000000000000000", "0000000000000000"}
	return strings.Join(segs, fingerprint.Separator)
}

func phashWithLastSegment(last string) string {
	segs := []string{"0000000000000000", "0000000000000000", "0000000000000000", "0000000000000000", last}
	return strings.Join(segs, fingerprint.Separator)
}

func zeroPhash() string {
	return phashWithFirstSegment("0000000000000000")
}

func TestRegisterFirstContentBecomesRoot(t *testing.T) {
	svc := newTestLineageService(t)
	ctx := context.Background()

	node, err := svc.Register(ctx, &RegisterInput{
		ContentHash:    "hash-root",
		PerceptualHash: zeroPhash(),
		IsDeepfake:     true,
		Confidence:     0.95,
		SourcePlatform: "youtube",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if !node.IsRoot() {
		t.Error("First registration should be a root")
	}
	if node.Generation != 0 {
		t.Errorf("Generation: got %d, want 0", node.Generation)
	}
	if len(node.Mutations) != 0 {
		t.Errorf("Root should carry no mutations, got %v", node.Mutations)
	}
}

func TestRegisterDerivativeLinksToParent(t *testing.T) {
	svc := newTestLineageService(t)
	ctx := context.Background()

	root, err := svc.Register(ctx, &RegisterInput{
		ContentHash:    "hash-root",
		PerceptualHash: zeroPhash(),
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Three differing bits: well inside the family threshold.
	child, err := svc.Register(ctx, &RegisterInput{
		ContentHash:    "hash-child",
		PerceptualHash: phashWithFirstSegment("0000000000000007"),
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if child.ParentHash == nil || *child.ParentHash != root.ContentHash {
		t.Fatalf("Parent: got %v, want %s", child.ParentHash, root.ContentHash)
	}
	if child.Generation != 1 {
		t.Errorf("Generation: got %d, want 1", child.Generation)
	}
	// Distance 3 falls in the minor compression bucket.
	if len(child.Mutations) == 0 || child.Mutations[0] != domain.MutationMinorCompression {
		t.Errorf("Mutations: got %v, want [%s]", child.Mutations, domain.MutationMinorCompression)
	}

	// The parent's children list carries the back link.
	family, err := svc.Family(ctx, zeroPhash())
	if err != nil {
		t.Fatalf("Family failed: %v", err)
	}
	for _, member := range family {
		if member.ContentHash == root.ContentHash {
			if len(member.Children) != 1 || member.Children[0] != child.ContentHash {
				t.Errorf("Root children: got %v, want [%s]", member.Children, child.ContentHash)
			}
		}
	}
}

func TestRegisterIdempotent(t *testing.T) {
	svc := newTestLineageService(t)
	ctx := context.Background()

	in := &RegisterInput{
		ContentHash:    "hash-root",
		PerceptualHash: zeroPhash(),
		IsDeepfake:     true,
		Confidence:     0.9,
	}

	first, err := svc.Register(ctx, in)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	second, err := svc.Register(ctx, in)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if second.ContentHash != first.ContentHash || second.Generation != first.Generation {
		t.Errorf("Second registration altered the node: %+v vs %+v", second, first)
	}
	if !second.IsRoot() {
		t.Error("Re-registration must not re-parent the node")
	}

	family, err := svc.Family(ctx, zeroPhash())
	if err != nil {
		t.Fatalf("Family failed: %v", err)
	}
	if len(family) != 1 {
		t.Errorf("Family size after duplicate registration: got %d, want 1", len(family))
	}
}

func TestRegisterPicksClosestParent(t *testing.T) {
	svc := newTestLineageService(t)
	ctx := context.Background()

	// near is 2 bits from the new content, far is 9 bits.
	if _, err := svc.Register(ctx, &RegisterInput{
		ContentHash:    "hash-near",
		PerceptualHash: phashWithFirstSegment("0000000000000003"),
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := svc.Register(ctx, &RegisterInput{
		ContentHash:    "hash-far",
		PerceptualHash: phashWithFirstSegment("00000000000001FF"),
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	node, err := svc.Register(ctx, &RegisterInput{
		ContentHash:    "hash-new",
		PerceptualHash: phashWithFirstSegment("0000000000000001"),
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if node.ParentHash == nil || *node.ParentHash != "hash-near" {
		t.Errorf("Parent: got %v, want hash-near", node.ParentHash)
	}
}

func TestPickParentDeterministicTieBreak(t *testing.T) {
	earlier := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Hour)

	testCases := []struct {
		name   string
		family []domain.LineageNode
		want   string
	}{
		{
			name: "closest distance wins",
			family: []domain.LineageNode{
				{ContentHash: "b", Distance: 5, FirstSeen: earlier},
				{ContentHash: "a", Distance: 2, FirstSeen: later},
			},
			want: "a",
		},
		{
			name: "equal distance falls back to first seen",
			family: []domain.LineageNode{
				{ContentHash: "b", Distance: 4, FirstSeen: later},
				{ContentHash: "a", Distance: 4, FirstSeen: earlier},
			},
			want: "a",
		},
		{
			name: "full tie falls back to content hash",
			family: []domain.LineageNode{
				{ContentHash: "zzz", Distance: 4, FirstSeen: earlier},
				{ContentHash: "aaa", Distance: 4, FirstSeen: earlier},
			},
			want: "aaa",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := pickParent(tc.family)
			if got == nil || got.ContentHash != tc.want {
				t.Errorf("pickParent: got %v, want %s", got, tc.want)
			}
		})
	}
}

func TestOriginFindsEarliestAncestor(t *testing.T) {
	svc := newTestLineageService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, &RegisterInput{
		ContentHash:    "hash-root",
		PerceptualHash: zeroPhash(),
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := svc.Register(ctx, &RegisterInput{
		ContentHash:    "hash-child",
		PerceptualHash: phashWithFirstSegment("0000000000000003"),
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := svc.Register(ctx, &RegisterInput{
		ContentHash:    "hash-grandchild",
		PerceptualHash: phashWithFirstSegment("0000000000000001"),
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	origin, err := svc.Origin(ctx, phashWithFirstSegment("0000000000000001"))
	if err != nil {
		t.Fatalf("Origin failed: %v", err)
	}
	if origin == nil || origin.ContentHash != "hash-root" {
		t.Errorf("Origin: got %v, want hash-root", origin)
	}

	// Unrelated hash has no family and no origin.
	none, err := svc.Origin(ctx, phashWithFirstSegment("FFFFFFFFFFFFFFFF"))
	if err != nil {
		t.Fatalf("Origin failed: %v", err)
	}
	if none != nil {
		t.Errorf("Expected no origin, got %v", none)
	}
}

func TestTreeSingleRoot(t *testing.T) {
	svc := newTestLineageService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, &RegisterInput{
		ContentHash:    "hash-root",
		PerceptualHash: zeroPhash(),
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := svc.Register(ctx, &RegisterInput{
		ContentHash:    "hash-child",
		PerceptualHash: phashWithFirstSegment("0000000000000003"),
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	tree, err := svc.Tree(ctx, "hash-child")
	if err != nil {
		t.Fatalf("Tree failed: %v", err)
	}

	if tree.ContentHash != "hash-root" {
		t.Errorf("Tree root: got %s, want hash-root", tree.ContentHash)
	}
	if len(tree.Children) != 1 || tree.Children[0].ContentHash != "hash-child" {
		t.Errorf("Tree children: got %v", tree.Children)
	}
	if tree.Children[0].Generation != 1 {
		t.Errorf("Child generation in tree: got %d, want 1", tree.Children[0].Generation)
	}
}

func TestTreeMultipleRoots(t *testing.T) {
	svc := newTestLineageService(t)
	ctx := context.Background()

	// Two roots 14 bits apart: each within 7 bits of the probe below but
	// outside the 12-bit family threshold of each other.
	if _, err := svc.Register(ctx, &RegisterInput{
		ContentHash:    "hash-root-a",
		PerceptualHash: phashWithFirstSegment("000000000000007F"),
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := svc.Register(ctx, &RegisterInput{
		ContentHash:    "hash-root-b",
		PerceptualHash: phashWithLastSegment("000000000000007F"),
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// The probe bridges both roots through the LSH bands.
	probe, err := svc.Register(ctx, &RegisterInput{
		ContentHash:    "hash-probe",
		PerceptualHash: zeroPhash(),
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if probe.ParentHash == nil {
		t.Fatal("Probe should have joined one of the existing roots")
	}

	tree, err := svc.Tree(ctx, "hash-probe")
	if err != nil {
		t.Fatalf("Tree failed: %v", err)
	}

	if tree.ContentHash != domain.MultiRootHash {
		t.Fatalf("Tree root: got %s, want %s", tree.ContentHash, domain.MultiRootHash)
	}
	if tree.Generation != -1 {
		t.Errorf("Container generation: got %d, want -1", tree.Generation)
	}
	if len(tree.Children) != 2 {
		t.Errorf("Container children: got %d, want 2", len(tree.Children))
	}
}

func TestTreeUnknownHash(t *testing.T) {
	svc := newTestLineageService(t)

	_, err := svc.Tree(context.Background(), "never-registered")
	if !errors.Is(err, domain.ErrUnknownFingerprint) {
		t.Errorf("Expected ErrUnknownFingerprint, got %v", err)
	}
}

func TestRecordSightingUnknownHash(t *testing.T) {
	svc := newTestLineageService(t)

	_, err := svc.RecordSighting(context.Background(), &SightingInput{
		ContentHash: "never-registered",
		Platform:    "youtube",
	})
	if !errors.Is(err, domain.ErrUnknownFingerprint) {
		t.Errorf("Expected ErrUnknownFingerprint, got %v", err)
	}
}

func TestTimelineCoversWholeFamily(t *testing.T) {
	svc := newTestLineageService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, &RegisterInput{
		ContentHash:    "hash-root",
		PerceptualHash: zeroPhash(),
		IsDeepfake:     true,
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := svc.Register(ctx, &RegisterInput{
		ContentHash:    "hash-child",
		PerceptualHash: phashWithFirstSegment("0000000000000003"),
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for _, in := range []*SightingInput{
		{ContentHash: "hash-root", Platform: "youtube"},
		{ContentHash: "hash-child", Platform: "twitter"},
	} {
		if _, err := svc.RecordSighting(ctx, in); err != nil {
			t.Fatalf("RecordSighting failed: %v", err)
		}
	}

	// Timeline from either family member sees both sightings.
	events, err := svc.Timeline(ctx, "hash-child")
	if err != nil {
		t.Fatalf("Timeline failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Event count: got %d, want 2", len(events))
	}

	byHash := map[string]domain.SightingEvent{}
	for _, ev := range events {
		byHash[ev.ContentHash] = ev
	}
	if ev := byHash["hash-root"]; ev.Generation != 0 || !ev.IsDeepfake {
		t.Errorf("Root sighting enrichment: gen=%d deepfake=%v", ev.Generation, ev.IsDeepfake)
	}
	if ev := byHash["hash-child"]; ev.Generation != 1 || ev.IsDeepfake {
		t.Errorf("Child sighting enrichment: gen=%d deepfake=%v", ev.Generation, ev.IsDeepfake)
	}
}

func TestSpreadLocations(t *testing.T) {
	svc := newTestLineageService(t)
	ctx := context.Background()

	lat, lon := 40.71, -74.0
	if _, err := svc.Register(ctx, &RegisterInput{
		ContentHash:    "hash-root",
		PerceptualHash: zeroPhash(),
		SourcePlatform: "youtube",
		Geo:            &domain.GeoContext{Country: "US", City: "New York", Latitude: &lat, Longitude: &lon},
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	sightLat, sightLon := 51.5, -0.12
	if _, err := svc.RecordSighting(ctx, &SightingInput{
		ContentHash: "hash-root",
		Platform:    "twitter",
		Geo:         &domain.GeoContext{Country: "GB", City: "London", Latitude: &sightLat, Longitude: &sightLon},
	}); err != nil {
		t.Fatalf("RecordSighting failed: %v", err)
	}

	locations, err := svc.SpreadLocations(ctx, "hash-root")
	if err != nil {
		t.Fatalf("SpreadLocations failed: %v", err)
	}
	if len(locations) != 2 {
		t.Fatalf("Location count: got %d, want 2", len(locations))
	}

	types := map[string]domain.SpreadLocation{}
	for _, loc := range locations {
		types[loc.Type] = loc
	}
	if origin := types["origin"]; origin.City != "New York" || origin.Latitude != lat {
		t.Errorf("Origin marker: %+v", origin)
	}
	if spread := types["spread"]; spread.City != "London" || spread.Platform != "twitter" {
		t.Errorf("Spread marker: %+v", spread)
	}
}

func TestReport(t *testing.T) {
	svc := newTestLineageService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, &RegisterInput{
		ContentHash:    "hash-root",
		PerceptualHash: zeroPhash(),
		IsDeepfake:     true,
		Confidence:     0.87,
		SourcePlatform: "youtube",
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	report, err := svc.Report(ctx, "hash-root")
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	for _, want := range []string{"PROVENANCE REPORT", "DEEPFAKE DETECTED", "87.0%", "youtube"} {
		if !strings.Contains(report, want) {
			t.Errorf("Report missing %q:\n%s", want, report)
		}
	}

	_, err = svc.Report(ctx, "never-registered")
	if !errors.Is(err, domain.ErrUnknownFingerprint) {
		t.Errorf("Expected ErrUnknownFingerprint, got %v", err)
	}
}
