package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
)

// ErrEmptyReport 消息既没有内联文档也没有报告路径
var ErrEmptyReport = errors.New("report message carries neither document nor report_path")

// ReportMessage 待分类的分析报告
// document 内联完整分析文档，report_path 指向共享存储上的报告文件，二者取其一
type ReportMessage struct {
	ReportID   string          `json:"report_id"`
	ReportName string          `json:"report_name,omitempty"`
	ReportPath string          `json:"report_path,omitempty"`
	Document   json.RawMessage `json:"document,omitempty"`
}

// Validate 校验消息
func (m *ReportMessage) Validate() error {
	if len(m.Document) == 0 && m.ReportPath == "" {
		return ErrEmptyReport
	}
	return nil
}

// Load 取出分析文档
func (m *ReportMessage) Load() ([]byte, error) {
	if len(m.Document) > 0 {
		return m.Document, nil
	}
	if m.ReportPath == "" {
		return nil, ErrEmptyReport
	}
	data, err := os.ReadFile(m.ReportPath)
	if err != nil {
		return nil, fmt.Errorf("read report %s: %w", m.ReportPath, err)
	}
	return data, nil
}

// VerdictMessage 分类结果事件，发布到结果队列
type VerdictMessage struct {
	*domain.VerdictEvent
}
