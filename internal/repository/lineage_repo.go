package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/veritrace/veritrace/internal/domain"
	"gorm.io/gorm"
)

// LineageRepository handles the derivation-forest tables.
type LineageRepository struct {
	db *gorm.DB
}

// NewLineageRepository creates a new LineageRepository.
func NewLineageRepository(db *gorm.DB) *LineageRepository {
	return &LineageRepository{db: db}
}

// Get retrieves a lineage node by content hash.
func (r *LineageRepository) Get(ctx context.Context, contentHash string) (*domain.LineageNode, error) {
	var node domain.LineageNode
	if err := r.db.WithContext(ctx).First(&node, "content_hash = ?", contentHash).Error; err != nil {
		return nil, err
	}
	return &node, nil
}

// Exists checks whether a content hash is registered.
func (r *LineageRepository) Exists(ctx context.Context, contentHash string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.LineageNode{}).
		Where("content_hash = ?", contentHash).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// CandidatesByBands returns every node sharing at least one LSH band with
// the query.
func (r *LineageRepository) CandidatesByBands(ctx context.Context, bands []string) ([]domain.LineageNode, error) {
	conds, args := bandConditions(bands)
	if len(conds) == 0 {
		return nil, nil
	}

	var nodes []domain.LineageNode
	if err := r.db.WithContext(ctx).
		Where(strings.Join(conds, " OR "), args...).
		Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("failed to query lineage candidates: %w", err)
	}
	return nodes, nil
}

// CreateWithParent inserts a new node and, when it has a parent, appends
// the child hash to the parent's children list in the same transaction.
// The bidirectional link is all-or-nothing: a failure on either side rolls
// both back.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - node: fully populated node (parent_hash and generation already set).
// Returns:
//   - error: non-nil if the transaction fails.
func (r *LineageRepository) CreateWithParent(ctx context.Context, node *domain.LineageNode) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(node).Error; err != nil {
			return err
		}
		if node.ParentHash == nil {
			return nil
		}

		var parent domain.LineageNode
		if err := tx.First(&parent, "content_hash = ?", *node.ParentHash).Error; err != nil {
			return fmt.Errorf("parent %s not found: %w", *node.ParentHash, err)
		}
		for _, child := range parent.Children {
			if child == node.ContentHash {
				return nil
			}
		}
		parent.Children = append(parent.Children, node.ContentHash)
		return tx.Model(&domain.LineageNode{}).
			Where("content_hash = ?", parent.ContentHash).
			Update("children", parent.Children).Error
	})
}

// Statistics summarizes the lineage forest: totals, families (generation-0
// nodes), generation distribution, and per-platform sighting counts.
func (r *LineageRepository) Statistics(ctx context.Context) (*domain.LineageStats, error) {
	stats := &domain.LineageStats{
		Generations:    make(map[int]int64),
		PlatformSpread: make(map[string]int64),
	}

	if err := r.db.WithContext(ctx).Model(&domain.LineageNode{}).
		Count(&stats.TotalNodes).Error; err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(&domain.LineageNode{}).
		Where("is_deepfake = ?", true).
		Count(&stats.DeepfakeCount).Error; err != nil {
		return nil, err
	}
	stats.AuthenticCount = stats.TotalNodes - stats.DeepfakeCount

	if err := r.db.WithContext(ctx).Model(&domain.LineageNode{}).
		Where("generation = ?", 0).
		Count(&stats.FamilyCount).Error; err != nil {
		return nil, err
	}

	genRows, err := r.db.WithContext(ctx).Model(&domain.LineageNode{}).
		Select("generation, COUNT(*)").
		Group("generation").
		Rows()
	if err != nil {
		return nil, err
	}
	defer genRows.Close()
	for genRows.Next() {
		var gen int
		var count int64
		if err := genRows.Scan(&gen, &count); err != nil {
			return nil, err
		}
		stats.Generations[gen] = count
	}

	platRows, err := r.db.WithContext(ctx).Model(&domain.SightingEvent{}).
		Select("platform, COUNT(*)").
		Group("platform").
		Rows()
	if err != nil {
		return nil, err
	}
	defer platRows.Close()
	for platRows.Next() {
		var platform string
		var count int64
		if err := platRows.Scan(&platform, &count); err != nil {
			return nil, err
		}
		stats.PlatformSpread[platform] = count
	}

	return stats, nil
}
