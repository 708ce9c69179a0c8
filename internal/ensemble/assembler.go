package ensemble

import "github.com/apk-analysis/apk-ensemble-go/internal/domain"

// Assemble 组装最终结果，category/family 只在 malware 时填充
func Assemble(vote *VoteResult, cascade *CascadeResult) *domain.Verdict {
	predictions := make([]domain.ModelPrediction, len(vote.Predictions))
	copy(predictions, vote.Predictions)

	v := &domain.Verdict{
		Type:        vote.Type,
		VoteCount:   vote.VoteCount,
		TotalVoters: vote.TotalVoters,
		Predictions: predictions,
	}
	if vote.Type == domain.LabelMalware {
		v.Category, v.Family = domain.LabelUnknown, domain.LabelUnknown
		if cascade != nil {
			v.Category, v.Family = cascade.Category, cascade.Family
		}
	}
	return v
}
