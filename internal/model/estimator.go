package model

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Format 估计器制品格式
type Format string

const (
	FormatForest Format = "forest" // 导出为 JSON 的树集成
	FormatONNX   Format = "onnx"   // onnxruntime 推理
)

// Prediction 估计器单次输出
type Prediction struct {
	Class         string    // classes[argmax]，无类别表时为下标字符串
	Probabilities []float64 // 各类别概率
}

// Confidence 最大类别概率
func (p Prediction) Confidence() float64 {
	if len(p.Probabilities) == 0 {
		return 0
	}
	best := p.Probabilities[0]
	for _, v := range p.Probabilities[1:] {
		if v > best {
			best = v
		}
	}
	return best
}

// Estimator 已训练的分类器，加载后只读，可并发调用
type Estimator interface {
	Predict(x []float64) (Prediction, error)
	NumFeatures() int
}

// closer 持有外部资源的估计器（onnx session）
type closer interface {
	Close() error
}

// argmax 返回第一个最大值的下标
func argmax(v []float64) int {
	idx := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[idx] {
			idx = i
		}
	}
	return idx
}

// className 类别下标映射为类别名
func className(classes []string, idx int) string {
	if idx >= 0 && idx < len(classes) {
		return classes[idx]
	}
	return strconv.Itoa(idx)
}

// detectFormat 依据显式声明或文件扩展名确定格式
func detectFormat(declared, path string) (Format, error) {
	if declared != "" {
		switch Format(strings.ToLower(declared)) {
		case FormatForest:
			return FormatForest, nil
		case FormatONNX:
			return FormatONNX, nil
		default:
			return "", fmt.Errorf("unsupported estimator format %q", declared)
		}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".onnx":
		return FormatONNX, nil
	case ".json":
		return FormatForest, nil
	default:
		return "", fmt.Errorf("cannot infer estimator format from %s", path)
	}
}
