package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/veritrace/veritrace/internal/domain"
	"github.com/veritrace/veritrace/internal/fingerprint"
	"github.com/veritrace/veritrace/internal/logger"
	"github.com/veritrace/veritrace/internal/repository"
	"gorm.io/gorm"
)

// LineageService maintains the derivation forest: who copied whom, what
// changed, and where each version spread. Family membership is decided by
// perceptual similarity, so the service shares the fingerprint machinery
// with the cache but runs a looser threshold.
type LineageService struct {
	repo      *repository.LineageRepository
	sightings *repository.SightingRepository
	sampler   *fingerprint.Sampler
	logger    *logger.Logger
	threshold int
	numBands  int
}

// LineageConfig holds tuning for the lineage service.
type LineageConfig struct {
	HammingThreshold int
	LSHBands         int
}

// NewLineageService creates a new lineage service.
func NewLineageService(
	repo *repository.LineageRepository,
	sightings *repository.SightingRepository,
	sampler *fingerprint.Sampler,
	log *logger.Logger,
	cfg *LineageConfig,
) *LineageService {
	threshold := cfg.HammingThreshold
	if threshold <= 0 {
		threshold = 12
	}
	numBands := cfg.LSHBands
	if numBands <= 0 {
		numBands = domain.LSHBandCount
	}
	return &LineageService{
		repo:      repo,
		sightings: sightings,
		sampler:   sampler,
		logger:    log,
		threshold: threshold,
		numBands:  numBands,
	}
}

// log returns a logger from context if available, otherwise returns the default logger
func (s *LineageService) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// RegisterInput carries everything known about a piece of content at
// registration time. ContentHash and PerceptualHash are required; the rest
// is optional context.
type RegisterInput struct {
	ContentHash    string
	PerceptualHash string
	IsDeepfake     bool
	Confidence     float64
	SourcePlatform string
	SourceURL      string
	// MediaPath, when set, lets mutation detection inspect the frames
	// themselves instead of relying on hash distance alone.
	MediaPath string
	Metadata  string
	Geo       *domain.GeoContext
}

// Register adds content to the lineage forest.
// Registration is idempotent: a content hash that already exists returns
// its stored node untouched. New content is linked to the closest family
// member as its parent; with no family it becomes a new root.
// Parameters:
//   - ctx: request context.
//   - in: registration input; ContentHash and PerceptualHash are required.
// Returns:
//   - *domain.LineageNode: the stored or existing node.
//   - error: non-nil on database failure or an unparseable perceptual hash.
func (s *LineageService) Register(ctx context.Context, in *RegisterInput) (*domain.LineageNode, error) {
	existing, err := s.repo.Get(ctx, in.ContentHash)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check existing node: %w", err)
	}

	bands, err := fingerprint.BandsFromHash(in.PerceptualHash, s.numBands)
	if err != nil {
		return nil, err
	}

	family, err := s.familyByHash(ctx, in.PerceptualHash)
	if err != nil {
		return nil, err
	}

	node := &domain.LineageNode{
		ContentHash:    in.ContentHash,
		PerceptualHash: in.PerceptualHash,
		Generation:     0,
		Mutations:      domain.StringArray{},
		Children:       domain.StringArray{},
		IsDeepfake:     in.IsDeepfake,
		Confidence:     in.Confidence,
		FirstSeen:      time.Now(),
		SourcePlatform: in.SourcePlatform,
		SourceURL:      in.SourceURL,
		Metadata:       in.Metadata,
	}
	node.SetBands(bands)
	if in.Geo != nil {
		node.OriginCountry = in.Geo.Country
		node.OriginCity = in.Geo.City
		node.OriginLat = in.Geo.Latitude
		node.OriginLon = in.Geo.Longitude
		node.IPHash = in.Geo.IPHash
	}

	if parent := pickParent(family); parent != nil {
		parentHash := parent.ContentHash
		node.ParentHash = &parentHash
		node.Generation = parent.Generation + 1
		node.Mutations = ClassifyMutations(parent.Distance, s.sampleForMutations(ctx, in.MediaPath))
	}

	if err := s.repo.CreateWithParent(ctx, node); err != nil {
		return nil, fmt.Errorf("failed to store lineage node: %w", err)
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldContentHash: node.ContentHash,
		"generation":            node.Generation,
		"is_deepfake":           node.IsDeepfake,
	}).Info("Registered lineage node")

	return node, nil
}

// pickParent selects the most plausible parent from the family. The choice
// is deterministic: closest Hamming distance first, then earliest first
// seen, then lexicographically smallest content hash.
func pickParent(family []domain.LineageNode) *domain.LineageNode {
	if len(family) == 0 {
		return nil
	}
	best := &family[0]
	for i := 1; i < len(family); i++ {
		cand := &family[i]
		if cand.Distance != best.Distance {
			if cand.Distance < best.Distance {
				best = cand
			}
			continue
		}
		if !cand.FirstSeen.Equal(best.FirstSeen) {
			if cand.FirstSeen.Before(best.FirstSeen) {
				best = cand
			}
			continue
		}
		if cand.ContentHash < best.ContentHash {
			best = cand
		}
	}
	return best
}

// sampleForMutations extracts frames for signal-level mutation analysis.
// Any failure degrades to hash-only classification.
func (s *LineageService) sampleForMutations(ctx context.Context, path string) []fingerprint.Frame {
	if path == "" || s.sampler == nil {
		return nil
	}
	frames, _, err := s.sampler.Sample(path)
	if err != nil {
		s.log(ctx).WithError(err).Debug("Skipping frame-level mutation analysis")
		return nil
	}
	return frames
}

// Family returns every registered node perceptually similar to the given
// hash, the query's own node included when registered. Results carry the
// Hamming distance to the query and are sorted by generation, then first
// seen.
func (s *LineageService) Family(ctx context.Context, perceptualHash string) ([]domain.LineageNode, error) {
	return s.familyByHash(ctx, perceptualHash)
}

func (s *LineageService) familyByHash(ctx context.Context, perceptualHash string) ([]domain.LineageNode, error) {
	bands, err := fingerprint.BandsFromHash(perceptualHash, s.numBands)
	if err != nil {
		return nil, err
	}

	candidates, err := s.repo.CandidatesByBands(ctx, bands)
	if err != nil {
		return nil, fmt.Errorf("failed to query band candidates: %w", err)
	}

	family := make([]domain.LineageNode, 0, len(candidates))
	for i := range candidates {
		cand := candidates[i]
		ok, dist, err := fingerprint.Similar(perceptualHash, cand.PerceptualHash, s.threshold)
		if err != nil {
			s.log(ctx).WithFields(logger.Fields{
				logger.FieldContentHash: cand.ContentHash,
			}).WithError(err).Warn("Skipping candidate with unparseable hash")
			continue
		}
		if !ok {
			continue
		}
		cand.Distance = dist
		family = append(family, cand)
	}

	sort.Slice(family, func(i, j int) bool {
		if family[i].Generation != family[j].Generation {
			return family[i].Generation < family[j].Generation
		}
		return family[i].FirstSeen.Before(family[j].FirstSeen)
	})

	return family, nil
}

// Origin returns the earliest known ancestor of the given perceptual hash:
// the family member with the lowest generation, ties broken by first seen.
// Returns nil when no family exists.
func (s *LineageService) Origin(ctx context.Context, perceptualHash string) (*domain.LineageNode, error) {
	family, err := s.familyByHash(ctx, perceptualHash)
	if err != nil {
		return nil, err
	}
	if len(family) == 0 {
		return nil, nil
	}

	origin := &family[0]
	for i := 1; i < len(family); i++ {
		cand := &family[i]
		if cand.Generation < origin.Generation ||
			(cand.Generation == origin.Generation && cand.FirstSeen.Before(origin.FirstSeen)) {
			origin = cand
		}
	}
	return origin, nil
}

// Tree assembles the nested family tree containing the given content.
// A family with a single root returns that root's subtree; multiple roots
// are wrapped in a synthetic container node.
// Returns domain.ErrUnknownFingerprint when the hash was never registered.
func (s *LineageService) Tree(ctx context.Context, contentHash string) (*domain.FamilyTree, error) {
	node, err := s.repo.Get(ctx, contentHash)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownFingerprint, contentHash)
		}
		return nil, fmt.Errorf("failed to load node: %w", err)
	}

	family, err := s.familyByHash(ctx, node.PerceptualHash)
	if err != nil {
		return nil, err
	}
	if len(family) == 0 {
		family = []domain.LineageNode{*node}
	}

	nodes := make(map[string]*domain.LineageNode, len(family))
	for i := range family {
		nodes[family[i].ContentHash] = &family[i]
	}

	// Roots are nodes whose parent is absent from the family, orphans
	// included.
	var roots []*domain.LineageNode
	for i := range family {
		n := &family[i]
		if n.ParentHash == nil || nodes[*n.ParentHash] == nil {
			roots = append(roots, n)
		}
	}

	if len(roots) == 1 {
		return buildSubtree(roots[0], nodes), nil
	}

	container := &domain.FamilyTree{
		ContentHash: domain.MultiRootHash,
		Generation:  -1,
		Mutations:   []string{},
	}
	for _, root := range roots {
		container.Children = append(container.Children, buildSubtree(root, nodes))
	}
	return container, nil
}

func buildSubtree(node *domain.LineageNode, nodes map[string]*domain.LineageNode) *domain.FamilyTree {
	tree := &domain.FamilyTree{
		ContentHash:   node.ContentHash,
		Generation:    node.Generation,
		FirstSeen:     node.FirstSeen,
		Platform:      node.SourcePlatform,
		IsDeepfake:    node.IsDeepfake,
		Confidence:    node.Confidence,
		Mutations:     []string(node.Mutations),
		OriginCountry: node.OriginCountry,
		OriginCity:    node.OriginCity,
		Children:      []*domain.FamilyTree{},
	}
	for _, childHash := range node.Children {
		if child := nodes[childHash]; child != nil {
			tree.Children = append(tree.Children, buildSubtree(child, nodes))
		}
	}
	return tree
}

// SightingInput describes one observation of registered content.
type SightingInput struct {
	ContentHash string
	Platform    string
	URL         string
	ViewCount   *int64
	ShareCount  *int64
	Metadata    string
	Geo         *domain.GeoContext
}

// RecordSighting appends a sighting event for registered content.
// Returns domain.ErrUnknownFingerprint when the hash was never registered.
func (s *LineageService) RecordSighting(ctx context.Context, in *SightingInput) (*domain.SightingEvent, error) {
	known, err := s.repo.Exists(ctx, in.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("failed to check node existence: %w", err)
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownFingerprint, in.ContentHash)
	}

	event := &domain.SightingEvent{
		ID:           uuid.New().String(),
		ContentHash:  in.ContentHash,
		Platform:     in.Platform,
		URL:          in.URL,
		DiscoveredAt: time.Now(),
		ViewCount:    in.ViewCount,
		ShareCount:   in.ShareCount,
		Metadata:     in.Metadata,
	}
	if in.Geo != nil {
		event.Country = in.Geo.Country
		event.City = in.Geo.City
		event.Latitude = in.Geo.Latitude
		event.Longitude = in.Geo.Longitude
		event.IPHash = in.Geo.IPHash
	}

	if err := s.sightings.Create(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to record sighting: %w", err)
	}

	s.log(ctx).WithFields(logger.Fields{
		logger.FieldContentHash: in.ContentHash,
		logger.FieldPlatform:    in.Platform,
	}).Info("Recorded sighting")

	return event, nil
}

// Timeline returns every sighting of the given content and its whole
// family, ordered by discovery time. Events are enriched with the sighted
// node's generation and verdict.
// Returns an empty slice when the hash was never registered.
func (s *LineageService) Timeline(ctx context.Context, contentHash string) ([]domain.SightingEvent, error) {
	hashes, byHash, err := s.familyHashes(ctx, contentHash)
	if err != nil || len(hashes) == 0 {
		return nil, err
	}

	events, err := s.sightings.ByHashes(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("failed to load sightings: %w", err)
	}

	for i := range events {
		if n := byHash[events[i].ContentHash]; n != nil {
			events[i].Generation = n.Generation
			events[i].IsDeepfake = n.IsDeepfake
		}
	}
	return events, nil
}

// familyHashes resolves the content hashes of the whole family containing
// contentHash, plus a lookup map. Unknown content yields empty results.
func (s *LineageService) familyHashes(ctx context.Context, contentHash string) ([]string, map[string]*domain.LineageNode, error) {
	node, err := s.repo.Get(ctx, contentHash)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to load node: %w", err)
	}

	family, err := s.familyByHash(ctx, node.PerceptualHash)
	if err != nil {
		return nil, nil, err
	}

	byHash := make(map[string]*domain.LineageNode, len(family)+1)
	hashes := make([]string, 0, len(family)+1)
	for i := range family {
		byHash[family[i].ContentHash] = &family[i]
		hashes = append(hashes, family[i].ContentHash)
	}
	if byHash[contentHash] == nil {
		byHash[contentHash] = node
		hashes = append(hashes, contentHash)
	}
	return hashes, byHash, nil
}

// SpreadLocations returns geo-tagged markers for the family containing the
// given content: member origins plus geo-tagged sightings, sorted by time.
func (s *LineageService) SpreadLocations(ctx context.Context, contentHash string) ([]domain.SpreadLocation, error) {
	hashes, byHash, err := s.familyHashes(ctx, contentHash)
	if err != nil || len(hashes) == 0 {
		return nil, err
	}

	var locations []domain.SpreadLocation
	for _, hash := range hashes {
		n := byHash[hash]
		if n.OriginLat == nil || n.OriginLon == nil {
			continue
		}
		platform := n.SourcePlatform
		if platform == "" {
			platform = "Direct Upload"
		}
		locations = append(locations, domain.SpreadLocation{
			Type:        "origin",
			ContentHash: n.ContentHash,
			Timestamp:   n.FirstSeen,
			Platform:    platform,
			Country:     n.OriginCountry,
			City:        n.OriginCity,
			Latitude:    *n.OriginLat,
			Longitude:   *n.OriginLon,
			IsDeepfake:  n.IsDeepfake,
			Generation:  n.Generation,
		})
	}

	events, err := s.sightings.GeoTaggedByHashes(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("failed to load geo-tagged sightings: %w", err)
	}
	for i := range events {
		ev := &events[i]
		loc := domain.SpreadLocation{
			Type:        "spread",
			ContentHash: ev.ContentHash,
			Timestamp:   ev.DiscoveredAt,
			Platform:    ev.Platform,
			Country:     ev.Country,
			City:        ev.City,
			Latitude:    *ev.Latitude,
			Longitude:   *ev.Longitude,
		}
		if n := byHash[ev.ContentHash]; n != nil {
			loc.IsDeepfake = n.IsDeepfake
			loc.Generation = n.Generation
		}
		locations = append(locations, loc)
	}

	sort.Slice(locations, func(i, j int) bool {
		return locations[i].Timestamp.Before(locations[j].Timestamp)
	})
	return locations, nil
}

// Statistics returns aggregate statistics for the lineage forest.
func (s *LineageService) Statistics(ctx context.Context) (*domain.LineageStats, error) {
	return s.repo.Statistics(ctx)
}

// Report renders a human-readable provenance report for the given content.
func (s *LineageService) Report(ctx context.Context, contentHash string) (string, error) {
	node, err := s.repo.Get(ctx, contentHash)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: %s", domain.ErrUnknownFingerprint, contentHash)
		}
		return "", fmt.Errorf("failed to load node: %w", err)
	}

	family, err := s.familyByHash(ctx, node.PerceptualHash)
	if err != nil {
		return "", err
	}
	origin, err := s.Origin(ctx, node.PerceptualHash)
	if err != nil {
		return "", err
	}
	timeline, err := s.Timeline(ctx, contentHash)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	rule := strings.Repeat("=", 60)
	sep := strings.Repeat("-", 40)

	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b, "PROVENANCE REPORT")
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Content Hash: %s\n", shortHash(node.ContentHash, 32))
	fmt.Fprintf(&b, "First Seen:   %s\n", node.FirstSeen.Format(time.RFC3339))
	fmt.Fprintf(&b, "Platform:     %s\n", orUnknown(node.SourcePlatform))
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, sep)
	fmt.Fprintln(&b, "DETECTION RESULT")
	fmt.Fprintln(&b, sep)
	status := "Appears Authentic"
	if node.IsDeepfake {
		status = "DEEPFAKE DETECTED"
	}
	fmt.Fprintf(&b, "  Status:     %s\n", status)
	fmt.Fprintf(&b, "  Confidence: %.1f%%\n", node.Confidence*100)
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, sep)
	fmt.Fprintln(&b, "LINEAGE")
	fmt.Fprintln(&b, sep)
	if origin != nil {
		fmt.Fprintf(&b, "  Origin Hash:     %s\n", shortHash(origin.ContentHash, 32))
		fmt.Fprintf(&b, "  Origin Date:     %s\n", origin.FirstSeen.Format(time.RFC3339))
		fmt.Fprintf(&b, "  Origin Platform: %s\n", orUnknown(origin.SourcePlatform))
		fmt.Fprintf(&b, "  Generation:      %d (0 = original)\n", node.Generation)
		fmt.Fprintf(&b, "  Family Members:  %d\n", len(family))
	} else {
		fmt.Fprintln(&b, "  This appears to be an original, first-seen item")
	}

	if len(node.Mutations) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, sep)
		fmt.Fprintln(&b, "DETECTED MUTATIONS")
		fmt.Fprintln(&b, sep)
		for _, m := range node.Mutations {
			fmt.Fprintf(&b, "  - %s\n", strings.ReplaceAll(m, "_", " "))
		}
	}

	if len(timeline) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, sep)
		fmt.Fprintln(&b, "SPREAD TIMELINE")
		fmt.Fprintln(&b, sep)
		shown := timeline
		if len(shown) > 5 {
			shown = shown[:5]
		}
		for _, ev := range shown {
			fmt.Fprintf(&b, "  %s | %-12s | Gen %d\n",
				ev.DiscoveredAt.Format("2006-01-02"), ev.Platform, ev.Generation)
		}
		if len(timeline) > 5 {
			fmt.Fprintf(&b, "  ... and %d more events\n", len(timeline)-5)
		}
	}

	fmt.Fprintln(&b)
	fmt.Fprintln(&b, rule)
	return b.String(), nil
}

func shortHash(hash string, n int) string {
	if len(hash) <= n {
		return hash
	}
	return hash[:n] + "..."
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
