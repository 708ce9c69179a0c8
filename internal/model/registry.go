package model

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
)

// TaskModel 某个变体在某个任务上的估计器，附带可选的标签编码器
type TaskModel struct {
	Variant   domain.Variant
	Task      domain.Task
	estimator Estimator
	encoder   *LabelEncoder
}

// NewTaskModel 创建任务模型，encoder 可为 nil
func NewTaskModel(variant domain.Variant, task domain.Task, est Estimator, enc *LabelEncoder) *TaskModel {
	return &TaskModel{Variant: variant, Task: task, estimator: est, encoder: enc}
}

// Predict 返回 (标签, 置信度)，置信度为最大类别概率
func (m *TaskModel) Predict(x []float64) (string, float64, error) {
	p, err := m.estimator.Predict(x)
	if err != nil {
		return "", 0, err
	}
	label := p.Class
	if m.encoder != nil {
		label, err = m.encoder.Decode(p.Class)
		if err != nil {
			return "", 0, err
		}
	}
	return label, p.Confidence(), nil
}

// NumFeatures 估计器输入维度
func (m *TaskModel) NumFeatures() int {
	return m.estimator.NumFeatures()
}

// HasEncoder 是否配置了标签编码器
func (m *TaskModel) HasEncoder() bool {
	return m.encoder != nil
}

// Voter 一个 (模态, 变体) 投票者，type 必须存在，category/family 可缺失
type Voter struct {
	Variant  domain.Variant
	Type     *TaskModel
	Category *TaskModel
	Family   *TaskModel
}

// ContributesToCascade category 与 family 估计器都存在时才参与级联
func (v *Voter) ContributesToCascade() bool {
	return v.Category != nil && v.Family != nil
}

// VoterInfo 投票者摘要，用于 /api/models 和 CLI
type VoterInfo struct {
	Modality    domain.Modality `json:"modality"`
	Variant     string          `json:"variant"`
	NumFeatures int             `json:"n_features"`
	HasCategory bool            `json:"has_category"`
	HasFamily   bool            `json:"has_family"`
	Encoders    []domain.Task   `json:"encoders"`
}

// Registry 启动时加载一次的不可变模型集合，请求间共享只读
type Registry struct {
	version string
	voters  []*Voter
}

// NewRegistry 按给定顺序组装注册表（轮询顺序即此顺序）
func NewRegistry(version string, voters ...*Voter) *Registry {
	out := make([]*Voter, len(voters))
	copy(out, voters)
	return &Registry{version: version, voters: out}
}

// Version 模型版本
func (r *Registry) Version() string {
	return r.version
}

// Voters 按轮询顺序返回投票者
func (r *Registry) Voters() []*Voter {
	out := make([]*Voter, len(r.voters))
	copy(out, r.voters)
	return out
}

// Len 可投票的投票者数量
func (r *Registry) Len() int {
	return len(r.voters)
}

// Summary 注册表摘要
func (r *Registry) Summary() []VoterInfo {
	infos := make([]VoterInfo, 0, len(r.voters))
	for _, v := range r.voters {
		info := VoterInfo{
			Modality:    v.Variant.Modality,
			Variant:     v.Variant.Name,
			NumFeatures: v.Type.NumFeatures(),
			HasCategory: v.Category != nil,
			HasFamily:   v.Family != nil,
			Encoders:    []domain.Task{},
		}
		for _, tm := range []*TaskModel{v.Type, v.Category, v.Family} {
			if tm != nil && tm.HasEncoder() {
				info.Encoders = append(info.Encoders, tm.Task)
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// Close 释放持有外部资源的估计器
func (r *Registry) Close() error {
	var errs []error
	for _, v := range r.voters {
		for _, tm := range []*TaskModel{v.Type, v.Category, v.Family} {
			if tm == nil {
				continue
			}
			if c, ok := tm.estimator.(closer); ok {
				errs = append(errs, c.Close())
			}
		}
	}
	return errors.Join(errs...)
}

// loadVoters 按清单加载一个模态的全部投票者
// dims 为该模态 Schema 维度，估计器输入维度必须与之一致
func loadVoters(m *Manifest, modality domain.Modality, variants []domain.Variant, dims int, onnxInit func() error, log *logrus.Logger) ([]*Voter, error) {
	voters := make([]*Voter, 0, len(variants))
	for _, v := range variants {
		spec, ok := m.Artifact(v.Name, domain.TaskType)
		if !ok {
			return nil, domain.NewConfigError("estimator", m.Dir(),
				fmt.Errorf("variant %s has no type estimator", v))
		}
		typeModel, err := loadTaskModel(m, v, domain.TaskType, spec, dims, onnxInit)
		if err != nil {
			return nil, err
		}

		voter := &Voter{Variant: v, Type: typeModel}
		for _, task := range []domain.Task{domain.TaskCategory, domain.TaskFamily} {
			spec, ok := m.Artifact(v.Name, task)
			if !ok {
				log.WithFields(logrus.Fields{
					"modality": modality,
					"variant":  v.Name,
					"task":     task,
				}).Warn("Optional estimator missing, variant skipped in cascade")
				continue
			}
			tm, err := loadTaskModel(m, v, task, spec, dims, onnxInit)
			if err != nil {
				return nil, err
			}
			if task == domain.TaskCategory {
				voter.Category = tm
			} else {
				voter.Family = tm
			}
		}

		log.WithFields(logrus.Fields{
			"modality":     modality,
			"variant":      v.Name,
			"n_features":   typeModel.NumFeatures(),
			"has_category": voter.Category != nil,
			"has_family":   voter.Family != nil,
		}).Info("Voter loaded")
		voters = append(voters, voter)
	}
	return voters, nil
}

func loadTaskModel(m *Manifest, v domain.Variant, task domain.Task, spec ArtifactSpec, dims int, onnxInit func() error) (*TaskModel, error) {
	path := m.Resolve(spec.Estimator)
	format, err := detectFormat(spec.Format, path)
	if err != nil {
		return nil, domain.NewConfigError("estimator", path, err)
	}

	var est Estimator
	switch format {
	case FormatONNX:
		if err := onnxInit(); err != nil {
			return nil, domain.NewConfigError("estimator", path, err)
		}
		est, err = LoadONNX(path, ONNXOptions{
			InputName:   spec.Input,
			OutputName:  spec.Output,
			NumFeatures: dims,
			Classes:     spec.Classes,
		})
	default:
		var forest *ForestEstimator
		forest, err = LoadForest(path)
		if err == nil {
			est = forest
		}
	}
	if err != nil {
		return nil, domain.NewConfigError("estimator", path, fmt.Errorf("%s %s: %w", v, task, err))
	}
	if est.NumFeatures() != dims {
		return nil, domain.NewConfigError("estimator", path,
			fmt.Errorf("%s %s expects %d features but %s schema has %d", v, task, est.NumFeatures(), v.Modality, dims))
	}

	var enc *LabelEncoder
	if spec.Encoder != "" {
		encPath := m.Resolve(spec.Encoder)
		enc, err = LoadLabelEncoder(encPath)
		if err != nil {
			return nil, domain.NewConfigError("encoder", encPath, err)
		}
	}
	return NewTaskModel(v, task, est, enc), nil
}
