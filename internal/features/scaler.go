package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
)

// ScalerKind 线性缩放器类型
type ScalerKind string

const (
	ScalerStandard ScalerKind = "standard" // (x - mean) / scale
	ScalerMinMax   ScalerKind = "minmax"   // x * scale + min
)

// Scaler 训练阶段拟合好的仿射变换，推理时只做 transform，从不重新拟合
type Scaler struct {
	kind   ScalerKind
	offset []float64
	factor []float64
}

// scalerFile 导出的缩放器参数（与 sklearn 属性同名）
type scalerFile struct {
	Kind  ScalerKind `json:"kind"`
	Mean  []float64  `json:"mean"`
	Scale []float64  `json:"scale"`
	Min   []float64  `json:"min"`
}

// NewStandardScaler 创建标准化缩放器，scale 为 0 的列按 1 处理
func NewStandardScaler(mean, scale []float64) (*Scaler, error) {
	dim := len(scale)
	if dim == 0 {
		dim = len(mean)
	}
	if dim == 0 {
		return nil, errors.New("standard scaler has no parameters")
	}
	if mean == nil {
		mean = make([]float64, dim)
	}
	if scale == nil {
		scale = ones(dim)
	}
	if len(mean) != len(scale) {
		return nil, fmt.Errorf("standard scaler mean/scale length mismatch: %d vs %d", len(mean), len(scale))
	}

	factor := make([]float64, dim)
	offset := make([]float64, dim)
	for i := range scale {
		s := scale[i]
		if s == 0 {
			s = 1
		}
		factor[i] = 1 / s
		offset[i] = -mean[i] / s
	}
	return &Scaler{kind: ScalerStandard, offset: offset, factor: factor}, nil
}

// NewMinMaxScaler 创建 min-max 缩放器
func NewMinMaxScaler(min, scale []float64) (*Scaler, error) {
	if len(min) == 0 || len(min) != len(scale) {
		return nil, fmt.Errorf("minmax scaler min/scale length mismatch: %d vs %d", len(min), len(scale))
	}
	offset := make([]float64, len(min))
	factor := make([]float64, len(scale))
	copy(offset, min)
	copy(factor, scale)
	return &Scaler{kind: ScalerMinMax, offset: offset, factor: factor}, nil
}

// LoadScaler 读取持久化的缩放器参数
func LoadScaler(path string) (*Scaler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewConfigError("scaler", path, err)
	}

	var f scalerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, domain.NewConfigError("scaler", path, fmt.Errorf("decode scaler: %w", err))
	}

	var s *Scaler
	switch f.Kind {
	case ScalerStandard, "":
		s, err = NewStandardScaler(f.Mean, f.Scale)
	case ScalerMinMax:
		s, err = NewMinMaxScaler(f.Min, f.Scale)
	default:
		err = fmt.Errorf("unsupported scaler kind %q", f.Kind)
	}
	if err != nil {
		return nil, domain.NewConfigError("scaler", path, err)
	}
	return s, nil
}

// Kind 缩放器类型
func (s *Scaler) Kind() ScalerKind {
	return s.kind
}

// Dim 缩放器期望的维度
func (s *Scaler) Dim() int {
	return len(s.factor)
}

// Transform 对一行向量做仿射变换，返回新切片
func (s *Scaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.factor) {
		return nil, fmt.Errorf("scaler expects %d features, got %d", len(s.factor), len(x))
	}
	return s.apply(x), nil
}

func (s *Scaler) apply(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v*s.factor[i] + s.offset[i]
	}
	return out
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
