package model

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
	"github.com/apk-analysis/apk-ensemble-go/internal/features"
	"github.com/apk-analysis/apk-ensemble-go/internal/schema"
)

// Options 模型包加载参数
type Options struct {
	Dir                string   // 模型根目录，下设 opcode/ 与 permission/
	Version            string   // 为空时取清单中的 version
	ONNXRuntimeLib     string   // onnxruntime 动态库路径
	OpcodeVariants     []string // 为空时加载全部变体
	PermissionVariants []string
	Logger             *logrus.Logger
}

// Bundle 启动时一次性加载的全部制品
type Bundle struct {
	Encoder  *features.Encoder
	Registry *Registry
}

// Version 模型版本
func (b *Bundle) Version() string {
	return b.Registry.Version()
}

// Close 释放资源
func (b *Bundle) Close() error {
	return b.Registry.Close()
}

// LoadBundle 加载两个模态的 Schema、缩放器与全部投票者
// 任何配置错误都会返回 *domain.ConfigError，进程应拒绝启动
func LoadBundle(opts Options) (*Bundle, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	var onnxOnce sync.Once
	var onnxErr error
	onnxInit := func() error {
		onnxOnce.Do(func() {
			onnxErr = InitONNXRuntime(opts.ONNXRuntimeLib, opts.Dir)
		})
		return onnxErr
	}

	schemas := make(map[domain.Modality]*schema.Schema, 2)
	manifests := make(map[domain.Modality]*Manifest, 2)
	for _, modality := range domain.Modalities {
		m, err := LoadManifest(filepath.Join(opts.Dir, string(modality)), modality)
		if err != nil {
			return nil, err
		}
		s, err := schema.Load(modality, m.Resolve(m.Columns))
		if err != nil {
			return nil, err
		}
		manifests[modality] = m
		schemas[modality] = s

		log.WithFields(logrus.Fields{
			"modality": modality,
			"columns":  s.Len(),
			"dir":      m.Dir(),
		}).Info("Feature schema loaded")
	}

	permManifest := manifests[domain.ModalityPermission]
	scaler, err := features.LoadScaler(permManifest.Resolve(permManifest.Scaler))
	if err != nil {
		return nil, err
	}
	encoder, err := features.NewEncoder(schemas[domain.ModalityOpcode], schemas[domain.ModalityPermission], scaler)
	if err != nil {
		return nil, err
	}

	var voters []*Voter
	for _, modality := range domain.Modalities {
		selected := opts.OpcodeVariants
		if modality == domain.ModalityPermission {
			selected = opts.PermissionVariants
		}
		variants, err := SelectVariants(modality, selected)
		if err != nil {
			return nil, err
		}
		vs, err := loadVoters(manifests[modality], modality, variants, schemas[modality].Len(), onnxInit, log)
		if err != nil {
			return nil, err
		}
		voters = append(voters, vs...)
	}

	version := opts.Version
	for _, modality := range domain.Modalities {
		if version == "" {
			version = manifests[modality].Version
		}
	}
	if version == "" {
		version = "unversioned"
	}

	registry := NewRegistry(version, voters...)
	log.WithFields(logrus.Fields{
		"version": version,
		"voters":  registry.Len(),
	}).Info("Model registry loaded")

	return &Bundle{Encoder: encoder, Registry: registry}, nil
}

// SelectVariants 从封闭集合中按名称挑选变体，保持轮询顺序
func SelectVariants(modality domain.Modality, names []string) ([]domain.Variant, error) {
	all := domain.VariantsFor(modality)
	if len(names) == 0 {
		return all, nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := domain.LookupVariant(modality, n); !ok {
			return nil, domain.NewConfigError("models", "", fmt.Errorf("unknown %s variant %q", modality, n))
		}
		want[n] = true
	}

	out := make([]domain.Variant, 0, len(want))
	for _, v := range all {
		if want[v.Name] {
			out = append(out, v)
		}
	}
	return out, nil
}
