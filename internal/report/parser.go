package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidDocument 文档本身无法解析为 JSON 对象
var ErrInvalidDocument = errors.New("invalid analysis document")

// Features 从分析报告中提取的原始特征
type Features struct {
	Opcodes     map[string]float64 `json:"opcodes"`
	Permissions []string           `json:"permissions"`
}

// Empty 两个模态都没有任何特征
func (f *Features) Empty() bool {
	return len(f.Opcodes) == 0 && len(f.Permissions) == 0
}

// staticAnalysis AndroPyTool 报告中的静态分析段
type staticAnalysis struct {
	Opcodes     json.RawMessage `json:"Opcodes"`
	Permissions json.RawMessage `json:"Permissions"`
}

// Parse 解析完整的分析报告
// 支持三种布局:
//   - AndroPyTool: {"Static_analysis": {"Opcodes": {...}, "Permissions": [...]}}
//   - MobSF: 顶层 "permissions" 为以权限名为键的对象
//   - 预拆分: {"opcodes": {...}, "permissions": [...]}
//
// 缺失的段按空处理，不视为错误
func Parse(doc []byte) (*Features, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(doc, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	var opcodesRaw, permissionsRaw json.RawMessage

	if sa, ok := top["Static_analysis"]; ok && !isNull(sa) {
		var section staticAnalysis
		if err := json.Unmarshal(sa, &section); err == nil {
			opcodesRaw = section.Opcodes
			permissionsRaw = section.Permissions
		}
	}
	if len(opcodesRaw) == 0 {
		opcodesRaw = top["opcodes"]
	}
	if len(permissionsRaw) == 0 {
		permissionsRaw = top["permissions"]
	}

	return &Features{
		Opcodes:     parseOpcodes(opcodesRaw),
		Permissions: parsePermissions(permissionsRaw),
	}, nil
}

// ParseSplit 解析预拆分特征请求体 {"report_name": ..., "opcodes": {...}, "permissions": [...]}
// 只有请求体不是 JSON 对象时返回错误，字段类型不符按缺失处理
func ParseSplit(doc []byte) (string, *Features, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(doc, &top); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	var name string
	if raw, ok := top["report_name"]; ok {
		_ = json.Unmarshal(raw, &name)
	}

	return name, &Features{
		Opcodes:     parseOpcodes(top["opcodes"]),
		Permissions: parsePermissions(top["permissions"]),
	}, nil
}

// parseOpcodes 操作码计数，非数值按 0 处理
func parseOpcodes(raw json.RawMessage) map[string]float64 {
	out := make(map[string]float64)
	if len(raw) == 0 || isNull(raw) {
		return out
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return out
	}

	for k, v := range entries {
		out[k] = parseNumber(v)
	}
	return out
}

// parseNumber 解析 JSON 数字或数字字符串，NaN 与 Inf 按 0 处理
func parseNumber(raw json.RawMessage) float64 {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return 0
	}

	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil || math.IsInf(f, 0) {
			return 0
		}
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0
		}
		return f
	default:
		return 0
	}
}

// parsePermissions 权限列表，或 MobSF 风格以权限名为键的对象
func parsePermissions(raw json.RawMessage) []string {
	if len(raw) == 0 || isNull(raw) {
		return []string{}
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make([]string, 0, len(list))
		for _, item := range list {
			var s string
			if isNull(item) || json.Unmarshal(item, &s) != nil {
				continue // 跳过非字符串元素
			}
			out = append(out, s)
		}
		return out
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		out := make([]string, 0, len(obj))
		for name := range obj {
			out = append(out, name)
		}
		sort.Strings(out)
		return out
	}

	return []string{}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
