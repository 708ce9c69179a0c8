package ensemble

import (
	"context"
	"errors"
	"fmt"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
)

// Stage 单次分类请求的状态，只向前推进
type Stage string

const (
	StagePending          Stage = "pending"
	StageTypeVoted        Stage = "type_voted"
	StageResolved         Stage = "resolved"          // benign，无需级联
	StageCategoryResolved Stage = "category_resolved" // malware，级联完成
	StageAssembled        Stage = "assembled"
)

// ClassificationError 估计器调用失败，整个请求作废，不返回部分结果
type ClassificationError struct {
	Stage   Stage // 失败时所处的状态
	Variant domain.Variant
	Task    domain.Task
	Err     error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed at %s (%s %s): %v", e.Stage, e.Variant, e.Task, e.Err)
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// IsCanceled 请求被取消或超时
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// AsClassificationError 提取分类错误
func AsClassificationError(err error) (*ClassificationError, bool) {
	var ce *ClassificationError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
