package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// DefaultProbabilityOutput sklearn-onnx 分类器的概率输出名
const DefaultProbabilityOutput = "probabilities"

var onnxEnvMu sync.Mutex

// InitONNXRuntime 初始化 onnxruntime 环境，进程内只做一次
func InitONNXRuntime(libPath, modelsDir string) error {
	onnxEnvMu.Lock()
	defer onnxEnvMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}

	if libPath == "" {
		libPath = resolveSharedLibraryPath(modelsDir)
	}
	if libPath == "" {
		return errors.New("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or models.onnxruntime_lib")
	}
	ort.SetSharedLibraryPath(libPath)

	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	return nil
}

// DestroyONNXRuntime 进程退出前释放 onnxruntime 环境
func DestroyONNXRuntime() error {
	onnxEnvMu.Lock()
	defer onnxEnvMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// resolveSharedLibraryPath 环境变量优先，其次探测常见位置
func resolveSharedLibraryPath(modelsDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.so",
		"onnxruntime.so",
		"libonnxruntime.dylib",
		"onnxruntime.dll",
	}
	dirs := []string{
		modelsDir,
		filepath.Join(modelsDir, "lib"),
		".",
		"/usr/local/lib",
		"/usr/lib",
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

// ONNXEstimator onnxruntime 后端
// session 与输入输出张量复用，Run 期间持锁
type ONNXEstimator struct {
	session     *ort.AdvancedSession
	input       *ort.Tensor[float32]
	output      *ort.Tensor[float32]
	numFeatures int
	classes     []string

	mu sync.Mutex
}

// ONNXOptions 会话参数
type ONNXOptions struct {
	InputName   string   // 为空时取模型第一个输入
	OutputName  string   // 为空时取 probabilities
	NumFeatures int      // 模型输入维度为动态时使用
	Classes     []string // 类别表，决定输出宽度
}

// LoadONNX 创建推理会话，调用前需 InitONNXRuntime
func LoadONNX(path string, opts ONNXOptions) (*ONNXEstimator, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model file missing at %s: %w", path, err)
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithOptions(path, nil)
	if err != nil {
		return nil, fmt.Errorf("inspect onnx model: %w", err)
	}
	if len(inputs) == 0 {
		return nil, errors.New("onnx model has no inputs")
	}

	inName := opts.InputName
	numFeatures := opts.NumFeatures
	for _, in := range inputs {
		if inName == "" || in.Name == inName {
			inName = in.Name
			if len(in.Dimensions) == 2 && in.Dimensions[1] > 0 {
				if numFeatures > 0 && int(in.Dimensions[1]) != numFeatures {
					return nil, fmt.Errorf("onnx input %s has %d features, expected %d", in.Name, in.Dimensions[1], numFeatures)
				}
				numFeatures = int(in.Dimensions[1])
			}
			break
		}
	}
	if numFeatures <= 0 {
		return nil, fmt.Errorf("cannot determine feature count of onnx input %q", inName)
	}

	outName := opts.OutputName
	if outName == "" {
		outName = DefaultProbabilityOutput
	}
	numClasses := len(opts.Classes)
	found := false
	for _, out := range outputs {
		if out.Name != outName {
			continue
		}
		found = true
		if len(out.Dimensions) == 2 && out.Dimensions[1] > 0 {
			if numClasses > 0 && int(out.Dimensions[1]) != numClasses {
				return nil, fmt.Errorf("onnx output %s has %d classes, expected %d", out.Name, out.Dimensions[1], numClasses)
			}
			numClasses = int(out.Dimensions[1])
		}
	}
	if !found {
		return nil, fmt.Errorf("onnx model has no output named %q", outName)
	}
	if numClasses < 2 {
		return nil, fmt.Errorf("cannot determine class count of onnx output %q; declare classes in the manifest", outName)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(numFeatures)))
	if err != nil {
		return nil, fmt.Errorf("allocate input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(numClasses)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		path,
		[]string{inName},
		[]string{outName},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &ONNXEstimator{
		session:     session,
		input:       input,
		output:      output,
		numFeatures: numFeatures,
		classes:     opts.Classes,
	}, nil
}

// NumFeatures 期望的输入维度
func (e *ONNXEstimator) NumFeatures() int {
	return e.numFeatures
}

// Predict 单行推理
func (e *ONNXEstimator) Predict(x []float64) (Prediction, error) {
	if len(x) != e.numFeatures {
		return Prediction{}, fmt.Errorf("onnx model expects %d features, got %d", e.numFeatures, len(x))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	in := e.input.GetData()
	for i, v := range x {
		in[i] = float32(v)
	}
	if err := e.session.Run(); err != nil {
		return Prediction{}, fmt.Errorf("onnx run: %w", err)
	}

	raw := e.output.GetData()
	probs := make([]float64, len(raw))
	for i, v := range raw {
		probs[i] = float64(v)
	}
	return Prediction{
		Class:         className(e.classes, argmax(probs)),
		Probabilities: probs,
	}, nil
}

// Close 释放会话与张量
func (e *ONNXEstimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if e.session != nil {
		errs = append(errs, e.session.Destroy())
		e.session = nil
	}
	if e.input != nil {
		errs = append(errs, e.input.Destroy())
		e.input = nil
	}
	if e.output != nil {
		errs = append(errs, e.output.Destroy())
		e.output = nil
	}
	return errors.Join(errs...)
}
