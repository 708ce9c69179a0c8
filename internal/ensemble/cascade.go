package ensemble

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
	"github.com/apk-analysis/apk-ensemble-go/internal/features"
	"github.com/apk-analysis/apk-ensemble-go/internal/model"
)

// CascadeResult 级联阶段的结果
type CascadeResult struct {
	Category    string
	Family      string
	Categories  []string // 各贡献者的 category 标签（轮询顺序）
	Families    []string
	Contributor int
}

// Plurality 出现次数最多的标签，并列时取按轮询顺序最先达到最大次数的标签
// 空列表返回 unknown
func Plurality(labels []string) string {
	if len(labels) == 0 {
		return domain.LabelUnknown
	}
	counts := make(map[string]int, len(labels))
	best, bestCount := "", 0
	for _, l := range labels {
		counts[l]++
		if counts[l] > bestCount {
			best, bestCount = l, counts[l]
		}
	}
	return best
}

// ResolveCascade 只在 malware 时调用
// category 与 family 估计器都存在的投票者才参与，任一估计器失败则整个请求失败
func ResolveCascade(ctx context.Context, voters []*model.Voter, vecs features.Vectors, limit int) (*CascadeResult, error) {
	contributors := make([]*model.Voter, 0, len(voters))
	for _, v := range voters {
		if v.ContributesToCascade() {
			contributors = append(contributors, v)
		}
	}

	categories := make([]string, len(contributors))
	families := make([]string, len(contributors))

	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, v := range contributors {
		i, v := i, v
		x := vecs.For(v.Variant.Modality)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err // 取消不属于估计器失败
			}
			label, _, err := v.Category.Predict(x)
			if err != nil {
				return &ClassificationError{Stage: StageTypeVoted, Variant: v.Variant, Task: domain.TaskCategory, Err: err}
			}
			categories[i] = label
			return nil
		})
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err // 取消不属于估计器失败
			}
			label, _, err := v.Family.Predict(x)
			if err != nil {
				return &ClassificationError{Stage: StageTypeVoted, Variant: v.Variant, Task: domain.TaskFamily, Err: err}
			}
			families[i] = label
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &CascadeResult{
		Category:    Plurality(categories),
		Family:      Plurality(families),
		Categories:  categories,
		Families:    families,
		Contributor: len(contributors),
	}, nil
}
