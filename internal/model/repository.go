package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListQuery 历史记录查询条件
type ListQuery struct {
	Page      int
	PageSize  int
	Keyword   string
	MediaType string
}

func (q *ListQuery) normalize() {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = defaultPageSize
	} else if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}
	q.Keyword = strings.TrimSpace(q.Keyword)
}

// Repository 生成历史的读写
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建历史仓库
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Record 写入一条生成记录，ID 为空时自动分配
func (r *Repository) Record(ctx context.Context, g *Generation) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if err := r.db.WithContext(ctx).Create(g).Error; err != nil {
		return fmt.Errorf("record generation: %w", err)
	}
	return nil
}

// List 分页查询，按创建时间倒序，关键词匹配提示词
func (r *Repository) List(ctx context.Context, q ListQuery) ([]Generation, int64, error) {
	q.normalize()

	query := r.db.WithContext(ctx).Model(&Generation{})
	if q.Keyword != "" {
		query = query.Where("prompt LIKE ?", "%"+q.Keyword+"%")
	}
	if q.MediaType != "" {
		query = query.Where("media_type = ?", q.MediaType)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count generations: %w", err)
	}

	var rows []Generation
	offset := (q.Page - 1) * q.PageSize
	if err := query.Order("created_at DESC").Offset(offset).Limit(q.PageSize).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list generations: %w", err)
	}
	return rows, total, nil
}

// Get 按 ID 查询
func (r *Repository) Get(ctx context.Context, id string) (*Generation, error) {
	var g Generation
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&g).Error; err != nil {
		return nil, err
	}
	return &g, nil
}
