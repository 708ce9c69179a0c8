package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
	"github.com/apk-analysis/apk-ensemble-go/internal/ensemble"
	"github.com/apk-analysis/apk-ensemble-go/internal/features"
	"github.com/apk-analysis/apk-ensemble-go/internal/model"
	"github.com/apk-analysis/apk-ensemble-go/internal/report"
	"github.com/apk-analysis/apk-ensemble-go/internal/repository"
)

// Engine 集成决策引擎（ensemble.Predictor）
type Engine interface {
	Encode(f *report.Features) features.Vectors
	Classify(ctx context.Context, vecs features.Vectors) (*domain.Verdict, error)
	Version() string
	Models() []model.VoterInfo
}

// VerdictCache 以特征指纹为键的结果缓存（cache.VerdictCache）
type VerdictCache interface {
	Get(fingerprint string) (*domain.Verdict, bool, error)
	Put(fingerprint string, v *domain.Verdict) error
	Len() (int, error)
}

// Notifier 分类完成后的通知出口（WebSocket、结果队列）
type Notifier interface {
	NotifyVerdict(ctx context.Context, event *domain.VerdictEvent) error
}

// MetricsRecorder 分类指标
type MetricsRecorder interface {
	RecordVerdict(source domain.VerdictSource, v *domain.Verdict, cached bool, duration time.Duration)
	RecordFailure(source domain.VerdictSource, stage string)
	RecordCacheLookup(hit bool)
}

// ClassifyMeta 请求来源信息
type ClassifyMeta struct {
	Source     domain.VerdictSource
	ReportName string
	ReportID   string
}

// Stats 服务统计
type Stats struct {
	Verdicts     *repository.VerdictStats `json:"verdicts,omitempty"`
	CacheEntries int                      `json:"cache_entries"`
	ModelVersion string                   `json:"model_version"`
	Voters       int                      `json:"voters"`
}

// ClassificationService 分类服务接口
type ClassificationService interface {
	// 完整分析报告
	ClassifyDocument(ctx context.Context, doc []byte, meta ClassifyMeta) (*domain.VerdictEvent, error)

	// 预拆分特征
	ClassifyFeatures(ctx context.Context, opcodes map[string]float64, permissions []string, meta ClassifyMeta) (*domain.VerdictEvent, error)

	// 获取分类记录
	GetVerdict(ctx context.Context, id string) (*domain.VerdictRecord, error)

	// 获取分类记录列表（分页）
	ListVerdicts(ctx context.Context, page, pageSize int, filter repository.VerdictFilter) ([]*domain.VerdictRecord, int64, error)

	// 获取统计
	GetStats(ctx context.Context) (*Stats, error)

	// 已加载的模型
	Models() []model.VoterInfo

	// 模型包版本
	ModelVersion() string
}

type classificationService struct {
	engine    Engine
	repo      repository.VerdictRepository
	cache     VerdictCache
	metrics   MetricsRecorder
	notifiers []Notifier
	logger    *logrus.Logger
}

// Option 服务可选依赖
type Option func(*classificationService)

// WithRepository 持久化分类记录
func WithRepository(repo repository.VerdictRepository) Option {
	return func(s *classificationService) { s.repo = repo }
}

// WithCache 启用结果缓存
func WithCache(c VerdictCache) Option {
	return func(s *classificationService) { s.cache = c }
}

// WithMetrics 记录指标
func WithMetrics(m MetricsRecorder) Option {
	return func(s *classificationService) { s.metrics = m }
}

// WithNotifier 追加通知出口
func WithNotifier(n Notifier) Option {
	return func(s *classificationService) { s.notifiers = append(s.notifiers, n) }
}

// NewClassificationService 创建分类服务实例
func NewClassificationService(engine Engine, logger *logrus.Logger, opts ...Option) ClassificationService {
	s := &classificationService{engine: engine, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *classificationService) ClassifyDocument(ctx context.Context, doc []byte, meta ClassifyMeta) (*domain.VerdictEvent, error) {
	f, err := report.Parse(doc)
	if err != nil {
		s.logger.WithError(err).WithField("report_name", meta.ReportName).Warn("Rejected invalid analysis document")
		return nil, err
	}
	return s.classify(ctx, f, meta)
}

func (s *classificationService) ClassifyFeatures(ctx context.Context, opcodes map[string]float64, permissions []string, meta ClassifyMeta) (*domain.VerdictEvent, error) {
	return s.classify(ctx, &report.Features{Opcodes: opcodes, Permissions: permissions}, meta)
}

// classify encode -> 缓存 -> 引擎 -> 持久化 -> 指标 -> 通知
// 持久化与通知失败只记录日志，不影响分类结果
func (s *classificationService) classify(ctx context.Context, f *report.Features, meta ClassifyMeta) (*domain.VerdictEvent, error) {
	start := time.Now()
	if meta.Source == "" {
		meta.Source = domain.SourceAPI
	}

	vecs := s.engine.Encode(f)
	fingerprint := vecs.Fingerprint(s.engine.Version())

	verdict, cached := s.lookupCache(fingerprint)
	if !cached {
		var err error
		verdict, err = s.engine.Classify(ctx, vecs)
		if err != nil {
			if ensemble.IsCanceled(err) {
				s.logger.WithError(err).WithField("report_name", meta.ReportName).Warn("Classification canceled")
				return nil, err
			}
			stage := "unknown"
			if ce, ok := ensemble.AsClassificationError(err); ok {
				stage = string(ce.Stage)
			}
			if s.metrics != nil {
				s.metrics.RecordFailure(meta.Source, stage)
			}
			return nil, err
		}
		if s.cache != nil {
			if err := s.cache.Put(fingerprint, verdict); err != nil {
				s.logger.WithError(err).WithField("fingerprint", fingerprint).Warn("Failed to cache verdict")
			}
		}
	}

	duration := time.Since(start)
	event := &domain.VerdictEvent{
		ID:           uuid.New().String(),
		ReportID:     meta.ReportID,
		ReportName:   meta.ReportName,
		Source:       meta.Source,
		Fingerprint:  fingerprint,
		ModelVersion: s.engine.Version(),
		Cached:       cached,
		DurationMs:   duration.Milliseconds(),
		Verdict:      verdict,
		CreatedAt:    time.Now().UTC(),
	}

	s.persist(ctx, event)

	if s.metrics != nil {
		s.metrics.RecordVerdict(meta.Source, verdict, cached, duration)
	}

	for _, n := range s.notifiers {
		if err := n.NotifyVerdict(ctx, event); err != nil {
			s.logger.WithError(err).WithField("verdict_id", event.ID).Warn("Failed to notify verdict")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"verdict_id":  event.ID,
		"report_name": meta.ReportName,
		"source":      meta.Source,
		"type":        verdict.Type,
		"vote_count":  verdict.VoteCount,
		"cached":      cached,
		"duration_ms": event.DurationMs,
	}).Info("Classification completed")

	return event, nil
}

func (s *classificationService) lookupCache(fingerprint string) (*domain.Verdict, bool) {
	if s.cache == nil {
		return nil, false
	}
	v, ok, err := s.cache.Get(fingerprint)
	if err != nil {
		s.logger.WithError(err).WithField("fingerprint", fingerprint).Warn("Verdict cache lookup failed")
		ok = false
	}
	if s.metrics != nil {
		s.metrics.RecordCacheLookup(ok)
	}
	return v, ok
}

func (s *classificationService) persist(ctx context.Context, event *domain.VerdictEvent) {
	if s.repo == nil {
		return
	}
	record, err := domain.NewVerdictRecord(event.ID, event.Source, event.ReportName, event.Fingerprint, event.Verdict)
	if err != nil {
		s.logger.WithError(err).WithField("verdict_id", event.ID).Error("Failed to build verdict record")
		return
	}
	record.DurationMs = int(event.DurationMs)
	record.Cached = event.Cached
	record.CreatedAt = event.CreatedAt

	if err := s.repo.Create(ctx, record); err != nil {
		s.logger.WithError(err).WithField("verdict_id", event.ID).Error("Failed to persist verdict")
	}
}

func (s *classificationService) GetVerdict(ctx context.Context, id string) (*domain.VerdictRecord, error) {
	if s.repo == nil {
		return nil, repository.ErrVerdictNotFound
	}
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if !errors.Is(err, repository.ErrVerdictNotFound) {
			s.logger.WithError(err).WithField("verdict_id", id).Error("Failed to get verdict")
		}
		return nil, fmt.Errorf("获取分类记录失败: %w", err)
	}
	return record, nil
}

func (s *classificationService) ListVerdicts(ctx context.Context, page, pageSize int, filter repository.VerdictFilter) ([]*domain.VerdictRecord, int64, error) {
	if s.repo == nil {
		return []*domain.VerdictRecord{}, 0, nil
	}
	records, total, err := s.repo.ListWithPagination(ctx, page, pageSize, filter)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list verdicts")
		return nil, 0, fmt.Errorf("获取分类记录列表失败: %w", err)
	}
	return records, total, nil
}

func (s *classificationService) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ModelVersion: s.engine.Version(),
		Voters:       len(s.engine.Models()),
	}
	if s.repo != nil {
		vs, err := s.repo.GetStats(ctx)
		if err != nil {
			return nil, fmt.Errorf("获取统计失败: %w", err)
		}
		stats.Verdicts = vs
	}
	if s.cache != nil {
		n, err := s.cache.Len()
		if err != nil {
			s.logger.WithError(err).Warn("Failed to count cache entries")
		}
		stats.CacheEntries = n
	}
	return stats, nil
}

func (s *classificationService) Models() []model.VoterInfo {
	return s.engine.Models()
}

func (s *classificationService) ModelVersion() string {
	return s.engine.Version()
}
