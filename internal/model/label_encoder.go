package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// LabelEncoder 把估计器的原始类别映射回业务标签
type LabelEncoder struct {
	classes []string
	known   map[string]struct{}
}

// NewLabelEncoder 由类别表构建编码器
func NewLabelEncoder(classes []string) (*LabelEncoder, error) {
	if len(classes) == 0 {
		return nil, errors.New("label encoder has no classes")
	}
	known := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		known[c] = struct{}{}
	}
	out := make([]string, len(classes))
	copy(out, classes)
	return &LabelEncoder{classes: out, known: known}, nil
}

// LoadLabelEncoder 读取 {"classes": [...]}
func LoadLabelEncoder(path string) (*LabelEncoder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f struct {
		Classes []string `json:"classes"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode label encoder: %w", err)
	}
	return NewLabelEncoder(f.Classes)
}

// Classes 类别表副本
func (e *LabelEncoder) Classes() []string {
	out := make([]string, len(e.classes))
	copy(out, e.classes)
	return out
}

// Decode 原始类别为下标时取 classes[i]，已是类别名时原样返回
func (e *LabelEncoder) Decode(raw string) (string, error) {
	if i, err := strconv.Atoi(raw); err == nil {
		if i < 0 || i >= len(e.classes) {
			return "", fmt.Errorf("class index %d out of range [0,%d)", i, len(e.classes))
		}
		return e.classes[i], nil
	}
	if _, ok := e.known[raw]; ok {
		return raw, nil
	}
	return "", fmt.Errorf("unknown class %q", raw)
}
