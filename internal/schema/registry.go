package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
)

// nameReplacer 与训练时清洗列名的规则一致
var nameReplacer = strings.NewReplacer(
	`"`, "_",
	`\`, "_",
	"/", "_",
	"$", "_",
	":", "_",
	"-", "_",
)

// NormalizeName 将特征名规范化，使不同来源的操作码字符串可比较
func NormalizeName(name string) string {
	return nameReplacer.Replace(name)
}

// Schema 某个模态固定有序的特征名列表，加载后不可变
type Schema struct {
	modality domain.Modality
	names    []string
	index    map[string]int
}

// New 由列名构建 Schema，操作码模态会对每一列应用规范化
func New(modality domain.Modality, columns []string) (*Schema, error) {
	if len(columns) == 0 {
		return nil, errors.New("column list is empty")
	}

	names := make([]string, len(columns))
	index := make(map[string]int, len(columns))
	for i, col := range columns {
		if modality == domain.ModalityOpcode {
			names[i] = NormalizeName(col)
		} else {
			// 权限名来自固定的平台命名空间，原样使用
			names[i] = col
		}
		if _, dup := index[names[i]]; !dup {
			index[names[i]] = i
		}
	}

	return &Schema{modality: modality, names: names, index: index}, nil
}

// Load 读取持久化的列名 JSON 数组
func Load(modality domain.Modality, path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewConfigError("schema", path, err)
	}

	var columns []string
	if err := json.Unmarshal(data, &columns); err != nil {
		return nil, domain.NewConfigError("schema", path, fmt.Errorf("decode column list: %w", err))
	}

	s, err := New(modality, columns)
	if err != nil {
		return nil, domain.NewConfigError("schema", path, err)
	}
	return s, nil
}

// Modality 所属模态
func (s *Schema) Modality() domain.Modality {
	return s.modality
}

// Len 向量维度
func (s *Schema) Len() int {
	return len(s.names)
}

// Name 第 i 列的名称
func (s *Schema) Name(i int) string {
	return s.names[i]
}

// Index 列名所在位置，名称需已规范化
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Names 返回列名副本
func (s *Schema) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}
