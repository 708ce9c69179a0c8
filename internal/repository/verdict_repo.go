package repository

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
)

// ErrVerdictNotFound 记录不存在
var ErrVerdictNotFound = errors.New("verdict not found")

// VerdictFilter 列表过滤条件
type VerdictFilter struct {
	Type   string               // malware / benign，空为全部
	Source domain.VerdictSource // 空为全部
	Search string               // 按报告名模糊匹配
}

// VerdictStats 聚合统计
type VerdictStats struct {
	Total      int64            `json:"total"`
	ByType     map[string]int64 `json:"by_type"`
	BySource   map[string]int64 `json:"by_source"`
	ByCategory map[string]int64 `json:"by_category"`
	Cached     int64            `json:"cached"`
}

type VerdictRepository interface {
	Create(ctx context.Context, record *domain.VerdictRecord) error
	FindByID(ctx context.Context, id string) (*domain.VerdictRecord, error)
	// 最近一次相同指纹的记录
	FindLatestByFingerprint(ctx context.Context, fingerprint string) (*domain.VerdictRecord, error)
	ListWithPagination(ctx context.Context, page, pageSize int, filter VerdictFilter) ([]*domain.VerdictRecord, int64, error)
	// 获取各类型数量统计（使用数据库聚合查询）
	GetStats(ctx context.Context) (*VerdictStats, error)
	Delete(ctx context.Context, id string) error
}

type verdictRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewVerdictRepository(db *gorm.DB, logger *logrus.Logger) VerdictRepository {
	return &verdictRepo{
		db:     db,
		logger: logger,
	}
}

func (r *verdictRepo) Create(ctx context.Context, record *domain.VerdictRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *verdictRepo) FindByID(ctx context.Context, id string) (*domain.VerdictRecord, error) {
	var record domain.VerdictRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVerdictNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *verdictRepo) FindLatestByFingerprint(ctx context.Context, fingerprint string) (*domain.VerdictRecord, error) {
	var record domain.VerdictRecord
	err := r.db.WithContext(ctx).
		Where("fingerprint = ?", fingerprint).
		Order("created_at DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVerdictNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *verdictRepo) ListWithPagination(ctx context.Context, page, pageSize int, filter VerdictFilter) ([]*domain.VerdictRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := r.db.WithContext(ctx).Model(&domain.VerdictRecord{})
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Source != "" {
		query = query.Where("source = ?", filter.Source)
	}
	if filter.Search != "" {
		query = query.Where("report_name LIKE ?", "%"+filter.Search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var records []*domain.VerdictRecord
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error
	if err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

func (r *verdictRepo) GetStats(ctx context.Context) (*VerdictStats, error) {
	type groupCount struct {
		Key   string
		Count int64
	}

	group := func(column string, where ...interface{}) (map[string]int64, error) {
		var results []groupCount
		q := r.db.WithContext(ctx).Model(&domain.VerdictRecord{}).
			Select(column + " as `key`, COUNT(*) as count")
		if len(where) > 0 {
			q = q.Where(where[0], where[1:]...)
		}
		if err := q.Group(column).Scan(&results).Error; err != nil {
			return nil, err
		}
		out := make(map[string]int64, len(results))
		for _, res := range results {
			out[res.Key] = res.Count
		}
		return out, nil
	}

	stats := &VerdictStats{}

	// 初始化两种类型计数为 0
	byType, err := group("type")
	if err != nil {
		r.logger.WithError(err).Error("Failed to get verdict type counts")
		return nil, err
	}
	stats.ByType = map[string]int64{domain.LabelMalware: 0, domain.LabelBenign: 0}
	for k, v := range byType {
		stats.ByType[k] = v
		stats.Total += v
	}

	if stats.BySource, err = group("source"); err != nil {
		r.logger.WithError(err).Error("Failed to get verdict source counts")
		return nil, err
	}
	if stats.ByCategory, err = group("category", "type = ?", domain.LabelMalware); err != nil {
		r.logger.WithError(err).Error("Failed to get verdict category counts")
		return nil, err
	}

	if err := r.db.WithContext(ctx).Model(&domain.VerdictRecord{}).
		Where("cached = ?", true).Count(&stats.Cached).Error; err != nil {
		return nil, err
	}

	return stats, nil
}

func (r *verdictRepo) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.VerdictRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVerdictNotFound
	}
	return nil
}
