package domain

import "time"

// VerdictEvent 分类完成事件，推送给 WebSocket 订阅者与结果队列
type VerdictEvent struct {
	ID           string        `json:"id"`
	ReportID     string        `json:"report_id,omitempty"` // 上游消息携带的关联 ID
	ReportName   string        `json:"report_name,omitempty"`
	Source       VerdictSource `json:"source"`
	Fingerprint  string        `json:"fingerprint"`
	ModelVersion string        `json:"model_version"`
	Cached       bool          `json:"cached"`
	DurationMs   int64         `json:"duration_ms"`
	Verdict      *Verdict      `json:"verdict"`
	CreatedAt    time.Time     `json:"created_at"`
}
