package domain

import "fmt"

// Modality 特征模态
type Modality string

const (
	ModalityOpcode     Modality = "opcode"     // 操作码频率
	ModalityPermission Modality = "permission" // 权限存在性
)

// Modalities 按投票顺序排列的全部模态
var Modalities = []Modality{ModalityOpcode, ModalityPermission}

// ParseModality 解析模态名称
func ParseModality(s string) (Modality, error) {
	switch Modality(s) {
	case ModalityOpcode, ModalityPermission:
		return Modality(s), nil
	default:
		return "", fmt.Errorf("unknown modality %q", s)
	}
}

// Task 预测任务
type Task string

const (
	TaskType     Task = "type"
	TaskCategory Task = "category"
	TaskFamily   Task = "family"
)

// Tasks 每个变体拥有的三个任务
var Tasks = []Task{TaskType, TaskCategory, TaskFamily}

// 类型标签
const (
	LabelMalware = "malware"
	LabelBenign  = "benign"
	LabelUnknown = "unknown" // 级联阶段没有任何模型贡献时的占位值
)

// Variant 分类器变体，由 (模态, 名称) 唯一确定
type Variant struct {
	Modality Modality `json:"modality"`
	Name     string   `json:"variant"`
}

func (v Variant) String() string {
	return string(v.Modality) + "/" + v.Name
}

var (
	VariantOpcodeET   = Variant{Modality: ModalityOpcode, Name: "et"}
	VariantOpcodeLGBM = Variant{Modality: ModalityOpcode, Name: "lgbm"}
	VariantOpcodeXGB  = Variant{Modality: ModalityOpcode, Name: "xgb"}

	VariantPermissionRF  = Variant{Modality: ModalityPermission, Name: "rf"}
	VariantPermissionET  = Variant{Modality: ModalityPermission, Name: "et"}
	VariantPermissionGBC = Variant{Modality: ModalityPermission, Name: "gbc"}
)

// OpcodeVariants 操作码模态的变体（轮询顺序）
var OpcodeVariants = []Variant{VariantOpcodeET, VariantOpcodeLGBM, VariantOpcodeXGB}

// PermissionVariants 权限模态的变体（轮询顺序）
var PermissionVariants = []Variant{VariantPermissionRF, VariantPermissionET, VariantPermissionGBC}

// VariantsFor 返回指定模态的全部变体
func VariantsFor(m Modality) []Variant {
	switch m {
	case ModalityOpcode:
		return OpcodeVariants
	case ModalityPermission:
		return PermissionVariants
	default:
		return nil
	}
}

// LookupVariant 在封闭集合中查找变体
func LookupVariant(m Modality, name string) (Variant, bool) {
	for _, v := range VariantsFor(m) {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}
