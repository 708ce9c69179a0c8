package domain

// ModelPrediction 单个投票者的类型预测
type ModelPrediction struct {
	Modality   Modality `json:"modality"`
	Variant    string   `json:"variant"`
	Label      string   `json:"label"`      // 模型原始输出（经标签编码器解码）
	Confidence float64  `json:"confidence"` // 最大类别概率
	Ballot     string   `json:"ballot"`     // 置信度修正后的最终选票
	Overridden bool     `json:"overridden"` // 低置信度 malware 被改判为 benign
}

// Verdict 一次分类请求的最终结果，组装后不再修改
type Verdict struct {
	Type        string            `json:"type"`
	VoteCount   int               `json:"vote_count"`
	TotalVoters int               `json:"total_voters"`
	Predictions []ModelPrediction `json:"predictions"`
	Category    string            `json:"category,omitempty"` // 仅 malware 时存在
	Family      string            `json:"family,omitempty"`   // 仅 malware 时存在
}

// IsMalware 是否判定为恶意
func (v *Verdict) IsMalware() bool {
	return v != nil && v.Type == LabelMalware
}

// OverrideCount 被置信度修正的选票数
func (v *Verdict) OverrideCount() int {
	n := 0
	for _, p := range v.Predictions {
		if p.Overridden {
			n++
		}
	}
	return n
}
