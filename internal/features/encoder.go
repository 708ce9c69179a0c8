package features

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
	"github.com/apk-analysis/apk-ensemble-go/internal/report"
	"github.com/apk-analysis/apk-ensemble-go/internal/schema"
)

// Vectors 一次分类请求的两个模态向量
type Vectors struct {
	Opcode     []float64 `json:"opcode"`
	Permission []float64 `json:"permission"`
}

// For 按模态取向量
func (v Vectors) For(m domain.Modality) []float64 {
	if m == domain.ModalityPermission {
		return v.Permission
	}
	return v.Opcode
}

// Fingerprint 向量内容指纹，version 用于区分不同模型版本
func (v Vectors) Fingerprint(version string) string {
	h := sha256.New()
	h.Write([]byte(version))
	h.Write([]byte{0})

	var buf [8]byte
	for _, part := range [][]float64{v.Opcode, v.Permission} {
		binary.BigEndian.PutUint64(buf[:], uint64(len(part)))
		h.Write(buf[:])
		for _, x := range part {
			binary.BigEndian.PutUint64(buf[:], math.Float64bits(x))
			h.Write(buf[:])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Encoder 把原始特征映射到与 Schema 对齐的定长向量
type Encoder struct {
	opcode     *schema.Schema
	permission *schema.Schema
	scaler     *Scaler
}

// NewEncoder 创建编码器，缩放器维度必须与权限 Schema 一致
func NewEncoder(opcode, permission *schema.Schema, scaler *Scaler) (*Encoder, error) {
	if opcode == nil || permission == nil {
		return nil, domain.NewConfigError("encoder", "", fmt.Errorf("both schemas are required"))
	}
	if scaler == nil {
		return nil, domain.NewConfigError("encoder", "", fmt.Errorf("permission scaler is required"))
	}
	if scaler.Dim() != permission.Len() {
		return nil, domain.NewConfigError("encoder", "",
			fmt.Errorf("scaler expects %d features but permission schema has %d", scaler.Dim(), permission.Len()))
	}
	return &Encoder{opcode: opcode, permission: permission, scaler: scaler}, nil
}

// Dim 模态向量维度
func (e *Encoder) Dim(m domain.Modality) int {
	if m == domain.ModalityPermission {
		return e.permission.Len()
	}
	return e.opcode.Len()
}

// Schema 模态对应的 Schema
func (e *Encoder) Schema(m domain.Modality) *schema.Schema {
	if m == domain.ModalityPermission {
		return e.permission
	}
	return e.opcode
}

// Encode 编码两个模态
func (e *Encoder) Encode(f *report.Features) Vectors {
	if f == nil {
		f = &report.Features{}
	}
	return Vectors{
		Opcode:     e.EncodeOpcodes(f.Opcodes),
		Permission: e.EncodePermissions(f.Permissions),
	}
}

// EncodeOpcodes 操作码计数向量，L1 行归一化
// 规范化后同名的键计数相加，不在 Schema 中的键与非有限计数丢弃
func (e *Encoder) EncodeOpcodes(raw map[string]float64) []float64 {
	vec := make([]float64, e.opcode.Len())
	for name, count := range raw {
		if math.IsNaN(count) || math.IsInf(count, 0) {
			continue
		}
		if i, ok := e.opcode.Index(schema.NormalizeName(name)); ok {
			vec[i] += count
		}
	}

	var sum float64
	for _, x := range vec {
		sum += math.Abs(x)
	}
	if sum == 0 {
		return vec // 全零输入保持全零
	}
	for i := range vec {
		vec[i] /= sum
	}
	return vec
}

// EncodePermissions 权限存在性向量，经训练时拟合的缩放器变换
func (e *Encoder) EncodePermissions(perms []string) []float64 {
	presence := make([]float64, e.permission.Len())
	for _, p := range perms {
		if i, ok := e.permission.Index(strings.TrimSpace(p)); ok {
			presence[i] = 1
		}
	}

	// 维度在 NewEncoder 中已校验
	return e.scaler.apply(presence)
}
