package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
)

// ManifestFile 每个模态目录下可选的制品清单
const ManifestFile = "manifest.yaml"

// ArtifactSpec 单个 (变体, 任务) 的制品描述
type ArtifactSpec struct {
	Estimator string   `yaml:"estimator"`
	Encoder   string   `yaml:"encoder,omitempty"`
	Classes   []string `yaml:"classes,omitempty"`
	Format    string   `yaml:"format,omitempty"`
	Input     string   `yaml:"input,omitempty"`
	Output    string   `yaml:"output,omitempty"`
}

// Manifest 模态制品清单，路径相对模态目录
type Manifest struct {
	Version  string                                  `yaml:"version,omitempty"`
	Columns  string                                  `yaml:"columns"`
	Scaler   string                                  `yaml:"scaler,omitempty"`
	Variants map[string]map[domain.Task]ArtifactSpec `yaml:"variants"`

	dir string
}

// Dir 模态目录
func (m *Manifest) Dir() string {
	return m.dir
}

// Resolve 把清单中的相对路径解析为绝对路径
func (m *Manifest) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.dir, p)
}

// Artifact 查找 (变体, 任务) 的制品，没有声明估计器时返回 false
func (m *Manifest) Artifact(variant string, task domain.Task) (ArtifactSpec, bool) {
	tasks, ok := m.Variants[variant]
	if !ok {
		return ArtifactSpec{}, false
	}
	spec, ok := tasks[task]
	if !ok || spec.Estimator == "" {
		return ArtifactSpec{}, false
	}
	return spec, true
}

// LoadManifest 读取 <dir>/manifest.yaml，不存在时按命名约定探测
func LoadManifest(dir string, modality domain.Modality) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return conventionManifest(dir, modality), nil
	}
	if err != nil {
		return nil, domain.NewConfigError("manifest", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, domain.NewConfigError("manifest", path, fmt.Errorf("decode manifest: %w", err))
	}
	if m.Columns == "" {
		m.Columns = columnsFile(modality)
	}
	if modality == domain.ModalityPermission && m.Scaler == "" {
		m.Scaler = scalerFile
	}
	for name, tasks := range m.Variants {
		if _, ok := domain.LookupVariant(modality, name); !ok {
			return nil, domain.NewConfigError("manifest", path, fmt.Errorf("unknown %s variant %q", modality, name))
		}
		for task := range tasks {
			if task != domain.TaskType && task != domain.TaskCategory && task != domain.TaskFamily {
				return nil, domain.NewConfigError("manifest", path, fmt.Errorf("variant %s has unknown task %q", name, task))
			}
		}
	}
	m.dir = dir
	return &m, nil
}

const scalerFile = "permission_scaler.json"

func columnsFile(modality domain.Modality) string {
	return string(modality) + "_columns.json"
}

// conventionManifest 按训练脚本的文件命名约定生成清单：
// <variant>_<task>_classifier.onnx|.json 与 <variant>_<task>_classifier_label_encoder.json
func conventionManifest(dir string, modality domain.Modality) *Manifest {
	m := &Manifest{
		Columns:  columnsFile(modality),
		Variants: make(map[string]map[domain.Task]ArtifactSpec),
		dir:      dir,
	}
	if modality == domain.ModalityPermission {
		m.Scaler = scalerFile
	}

	for _, v := range domain.VariantsFor(modality) {
		tasks := make(map[domain.Task]ArtifactSpec)
		for _, task := range domain.Tasks {
			base := fmt.Sprintf("%s_%s_classifier", v.Name, task)
			var spec ArtifactSpec
			for _, ext := range []string{".onnx", ".json"} {
				if fileExists(filepath.Join(dir, base+ext)) {
					spec.Estimator = base + ext
					break
				}
			}
			if spec.Estimator == "" {
				continue
			}
			if enc := base + "_label_encoder.json"; fileExists(filepath.Join(dir, enc)) {
				spec.Encoder = enc
			}
			tasks[task] = spec
		}
		m.Variants[v.Name] = tasks
	}
	return m
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
