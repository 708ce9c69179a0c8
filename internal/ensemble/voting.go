package ensemble

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
	"github.com/apk-analysis/apk-ensemble-go/internal/features"
	"github.com/apk-analysis/apk-ensemble-go/internal/model"
)

const (
	// OverrideConfidence 低于该置信度的 malware 选票改判为 benign，只作用于 malware
	OverrideConfidence = 0.65

	// MalwareVoteThreshold malware 判定所需的最少票数，绝对值，不随投票者数量变化
	MalwareVoteThreshold = 4
)

// VoteResult 类型投票结果
type VoteResult struct {
	Type        string
	VoteCount   int
	TotalVoters int
	Predictions []domain.ModelPrediction
}

// Ballot 对单个类型预测应用置信度修正，返回选票与是否被修正
func Ballot(label string, confidence float64) (string, bool) {
	if label == domain.LabelMalware && confidence < OverrideConfidence {
		return domain.LabelBenign, true
	}
	return label, false
}

// Tally 统计 malware 选票并给出最终类型
func Tally(predictions []domain.ModelPrediction) (string, int) {
	count := 0
	for _, p := range predictions {
		if p.Ballot == domain.LabelMalware {
			count++
		}
	}
	if count >= MalwareVoteThreshold {
		return domain.LabelMalware, count
	}
	return domain.LabelBenign, count
}

// VoteType 在所有投票者上并行运行 type 估计器
// 结果按轮询顺序写入各自槽位，任一估计器失败则整个请求失败
func VoteType(ctx context.Context, voters []*model.Voter, vecs features.Vectors, limit int) (*VoteResult, error) {
	predictions := make([]domain.ModelPrediction, len(voters))

	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, v := range voters {
		i, v := i, v
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err // 取消不属于估计器失败
			}
			label, conf, err := v.Type.Predict(vecs.For(v.Variant.Modality))
			if err != nil {
				return &ClassificationError{Stage: StagePending, Variant: v.Variant, Task: domain.TaskType, Err: err}
			}
			ballot, overridden := Ballot(label, conf)
			predictions[i] = domain.ModelPrediction{
				Modality:   v.Variant.Modality,
				Variant:    v.Variant.Name,
				Label:      label,
				Confidence: conf,
				Ballot:     ballot,
				Overridden: overridden,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	final, count := Tally(predictions)
	return &VoteResult{
		Type:        final,
		VoteCount:   count,
		TotalVoters: len(voters),
		Predictions: predictions,
	}, nil
}
