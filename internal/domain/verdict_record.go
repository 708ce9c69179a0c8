package domain

import (
	"encoding/json"
	"time"
)

// VerdictSource 分类请求来源
type VerdictSource string

const (
	SourceAPI     VerdictSource = "api"
	SourceQueue   VerdictSource = "queue"
	SourceWatcher VerdictSource = "watcher"
	SourceCLI     VerdictSource = "cli"
)

// VerdictRecord 持久化的分类结果表
type VerdictRecord struct {
	ID     string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	Source VerdictSource `gorm:"type:varchar(20);index:idx_source" json:"source"`

	// 输入信息
	ReportName  string `gorm:"type:varchar(255)" json:"report_name,omitempty"`
	Fingerprint string `gorm:"type:varchar(64);index:idx_fingerprint" json:"fingerprint"`

	// 判定结果（冗余存储，方便查询）
	Type        string `gorm:"type:varchar(20);index:idx_type;not null" json:"type"`
	VoteCount   int    `gorm:"default:0" json:"vote_count"`
	TotalVoters int    `gorm:"default:0" json:"total_voters"`
	Category    string `gorm:"type:varchar(100)" json:"category,omitempty"`
	Family      string `gorm:"type:varchar(100)" json:"family,omitempty"`

	// 完整 JSON 数据
	PredictionsJSON string `gorm:"type:text" json:"-"`

	// 性能指标
	DurationMs int  `gorm:"type:int" json:"duration_ms"`
	Cached     bool `gorm:"default:false" json:"cached"`

	CreatedAt time.Time `gorm:"not null;index:idx_created_at" json:"created_at"`
}

func (VerdictRecord) TableName() string {
	return "apk_verdicts"
}

// NewVerdictRecord 根据判定结果构建记录
func NewVerdictRecord(id string, source VerdictSource, reportName, fingerprint string, v *Verdict) (*VerdictRecord, error) {
	preds, err := json.Marshal(v.Predictions)
	if err != nil {
		return nil, err
	}
	return &VerdictRecord{
		ID:              id,
		Source:          source,
		ReportName:      reportName,
		Fingerprint:     fingerprint,
		Type:            v.Type,
		VoteCount:       v.VoteCount,
		TotalVoters:     v.TotalVoters,
		Category:        v.Category,
		Family:          v.Family,
		PredictionsJSON: string(preds),
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// Verdict 还原判定结果
func (r *VerdictRecord) Verdict() (*Verdict, error) {
	v := &Verdict{
		Type:        r.Type,
		VoteCount:   r.VoteCount,
		TotalVoters: r.TotalVoters,
		Category:    r.Category,
		Family:      r.Family,
	}
	if r.PredictionsJSON != "" {
		if err := json.Unmarshal([]byte(r.PredictionsJSON), &v.Predictions); err != nil {
			return nil, err
		}
	}
	return v, nil
}
