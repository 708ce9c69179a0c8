package ensemble

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
	"github.com/apk-analysis/apk-ensemble-go/internal/features"
	"github.com/apk-analysis/apk-ensemble-go/internal/model"
	"github.com/apk-analysis/apk-ensemble-go/internal/report"
)

// Predictor 集成决策引擎：encode -> vote -> cascade -> assemble
// 持有启动时加载的只读制品，可被多个请求并发使用
type Predictor struct {
	encoder  *features.Encoder
	registry *model.Registry
	limit    int
	logger   *logrus.Logger
}

// Option 预测器选项
type Option func(*Predictor)

// WithParallelism 限制单个请求内并行的估计器调用数，0 表示不限制
func WithParallelism(n int) Option {
	return func(p *Predictor) {
		p.limit = n
	}
}

// NewPredictor 创建预测器
func NewPredictor(encoder *features.Encoder, registry *model.Registry, logger *logrus.Logger, opts ...Option) *Predictor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &Predictor{encoder: encoder, registry: registry, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewPredictorFromBundle 由模型包创建预测器
func NewPredictorFromBundle(b *model.Bundle, logger *logrus.Logger, opts ...Option) *Predictor {
	return NewPredictor(b.Encoder, b.Registry, logger, opts...)
}

// Version 模型版本
func (p *Predictor) Version() string {
	return p.registry.Version()
}

// Registry 模型注册表
func (p *Predictor) Registry() *model.Registry {
	return p.registry
}

// Encode 编码原始特征
func (p *Predictor) Encode(f *report.Features) features.Vectors {
	return p.encoder.Encode(f)
}

// PredictDocument 完整分析报告入口
func (p *Predictor) PredictDocument(ctx context.Context, doc []byte) (*domain.Verdict, error) {
	f, err := report.Parse(doc)
	if err != nil {
		return nil, err
	}
	return p.Classify(ctx, p.Encode(f))
}

// PredictFeatures 预拆分特征入口
func (p *Predictor) PredictFeatures(ctx context.Context, opcodes map[string]float64, permissions []string) (*domain.Verdict, error) {
	return p.Classify(ctx, p.Encode(&report.Features{Opcodes: opcodes, Permissions: permissions}))
}

// Classify 对已编码的向量执行投票、级联与组装
func (p *Predictor) Classify(ctx context.Context, vecs features.Vectors) (*domain.Verdict, error) {
	start := time.Now()
	voters := p.registry.Voters()
	stage := StagePending

	vote, err := VoteType(ctx, voters, vecs, p.limit)
	if err != nil {
		p.logFailure(err)
		return nil, err
	}
	stage = p.advance(stage, StageTypeVoted)

	for _, pred := range vote.Predictions {
		p.logger.WithFields(logrus.Fields{
			"modality":   pred.Modality,
			"variant":    pred.Variant,
			"label":      pred.Label,
			"confidence": pred.Confidence,
			"ballot":     pred.Ballot,
			"overridden": pred.Overridden,
		}).Debug("Type ballot cast")
	}

	var cascade *CascadeResult
	if vote.Type == domain.LabelMalware {
		cascade, err = ResolveCascade(ctx, voters, vecs, p.limit)
		if err != nil {
			p.logFailure(err)
			return nil, err
		}
		stage = p.advance(stage, StageCategoryResolved)
	} else {
		stage = p.advance(stage, StageResolved)
	}

	verdict := Assemble(vote, cascade)
	resolution := stage
	stage = p.advance(stage, StageAssembled)

	fields := logrus.Fields{
		"stage":        stage,
		"resolution":   resolution,
		"type":         verdict.Type,
		"vote_count":   verdict.VoteCount,
		"total_voters": verdict.TotalVoters,
		"overrides":    verdict.OverrideCount(),
		"duration_ms":  time.Since(start).Milliseconds(),
	}
	if verdict.IsMalware() {
		fields["category"] = verdict.Category
		fields["family"] = verdict.Family
	}
	p.logger.WithFields(fields).Info("Verdict assembled")

	return verdict, nil
}

// advance 推进请求状态
func (p *Predictor) advance(from, to Stage) Stage {
	p.logger.WithFields(logrus.Fields{"from": from, "to": to}).Debug("Stage advanced")
	return to
}

func (p *Predictor) logFailure(err error) {
	if IsCanceled(err) {
		p.logger.WithError(err).Warn("Classification canceled")
		return
	}
	fields := logrus.Fields{"error": err}
	if ce, ok := AsClassificationError(err); ok {
		fields["stage"] = ce.Stage
		fields["variant"] = ce.Variant.String()
		fields["task"] = ce.Task
	}
	p.logger.WithFields(fields).Error("Estimator invocation failed")
}

// Models 已加载的投票者摘要
func (p *Predictor) Models() []model.VoterInfo {
	return p.registry.Summary()
}
