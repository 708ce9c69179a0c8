package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestForest_Average 随机森林按叶子分布取平均
func TestForest_Average(t *testing.T) {
	f, err := ParseForest([]byte(`{
		"aggregation": "average",
		"n_features": 2,
		"classes": ["benign", "malware"],
		"trees": [
			{"nodes": [{"feature": 0, "threshold": 0.5, "left": 1, "right": 2}, {"value": [3, 1]}, {"value": [0, 4]}]},
			{"nodes": [{"feature": 1, "threshold": 0.5, "left": 1, "right": 2}, {"value": [10, 0]}, {"value": [5, 5]}]}
		]
	}`))
	require.NoError(t, err)
	assert.Equal(t, 2, f.NumFeatures())

	// 树1 左 (0.75, 0.25)，树2 右 (0.5, 0.5)
	p, err := f.Predict([]float64{0.5, 0.9})
	require.NoError(t, err)
	assert.Equal(t, "benign", p.Class)
	assert.InDelta(t, 0.625, p.Probabilities[0], 1e-12)
	assert.InDelta(t, 0.625, p.Confidence(), 1e-12)

	// 树1 右 (0, 1)，树2 右 (0.5, 0.5)
	p, err = f.Predict([]float64{0.6, 0.9})
	require.NoError(t, err)
	assert.Equal(t, "malware", p.Class)
	assert.InDelta(t, 0.75, p.Confidence(), 1e-12)
}

// TestForest_BoostBinary 二分类提升树走 sigmoid
func TestForest_BoostBinary(t *testing.T) {
	f, err := ParseForest([]byte(`{
		"aggregation": "boost",
		"n_features": 1,
		"base_score": [0.5],
		"trees": [
			{"nodes": [{"feature": 0, "threshold": 0, "left": 1, "right": 2}, {"value": [-1.5]}, {"value": [1.5]}]},
			{"nodes": [{"value": [0.25]}]}
		]
	}`))
	require.NoError(t, err)

	p, err := f.Predict([]float64{1})
	require.NoError(t, err)
	want := 1 / (1 + math.Exp(-2.25))
	assert.Equal(t, "1", p.Class)
	assert.InDelta(t, want, p.Probabilities[1], 1e-12)
	assert.InDelta(t, 1-want, p.Probabilities[0], 1e-12)

	p, err = f.Predict([]float64{0})
	require.NoError(t, err)
	assert.Equal(t, "0", p.Class)
}

// TestForest_BoostMulticlass 多分类提升树走 softmax
func TestForest_BoostMulticlass(t *testing.T) {
	f, err := ParseForest([]byte(`{
		"aggregation": "boost",
		"n_features": 1,
		"n_classes": 3,
		"trees": [
			{"class_index": 0, "nodes": [{"value": [1]}]},
			{"class_index": 1, "nodes": [{"value": [1]}]},
			{"class_index": 2, "nodes": [{"value": [0]}]}
		]
	}`))
	require.NoError(t, err)

	p, err := f.Predict([]float64{0})
	require.NoError(t, err)

	var sum float64
	for _, v := range p.Probabilities {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
	// 并列最大取第一个
	assert.Equal(t, "0", p.Class)
	assert.InDelta(t, p.Probabilities[0], p.Probabilities[1], 1e-12)
}

// TestForest_WrongDimension 输入维度不符
func TestForest_WrongDimension(t *testing.T) {
	f, err := ParseForest([]byte(`{"n_features": 2, "n_classes": 2, "trees": [{"nodes": [{"value": [1, 1]}]}]}`))
	require.NoError(t, err)

	_, err = f.Predict([]float64{1})
	assert.Error(t, err)
}

// TestForest_ZeroLeafIgnored 空叶子不参与平均
func TestForest_ZeroLeafIgnored(t *testing.T) {
	f, err := ParseForest([]byte(`{"n_features": 1, "n_classes": 2, "trees": [
		{"nodes": [{"value": [0, 0]}]},
		{"nodes": [{"value": [1, 3]}]}
	]}`))
	require.NoError(t, err)

	p, err := f.Predict([]float64{0})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.125, 0.375}, p.Probabilities)
}

// TestParseForest_Invalid 非法的导出文件
func TestParseForest_Invalid(t *testing.T) {
	cases := map[string]string{
		"not json":        `[`,
		"no features":     `{"n_classes": 2, "trees": [{"nodes": [{"value": [1, 1]}]}]}`,
		"no trees":        `{"n_features": 1, "n_classes": 2, "trees": []}`,
		"one class":       `{"n_features": 1, "n_classes": 1, "trees": [{"nodes": [{"value": [1]}]}]}`,
		"bad aggregation": `{"aggregation": "vote", "n_features": 1, "n_classes": 2, "trees": [{"nodes": [{"value": [1, 1]}]}]}`,
		"leaf width":      `{"n_features": 1, "n_classes": 2, "trees": [{"nodes": [{"value": [1, 1, 1]}]}]}`,
		"feature range":   `{"n_features": 1, "n_classes": 2, "trees": [{"nodes": [{"feature": 3, "left": 1, "right": 2}, {"value": [1, 0]}, {"value": [0, 1]}]}]}`,
		"child range":     `{"n_features": 1, "n_classes": 2, "trees": [{"nodes": [{"feature": 0, "left": 1, "right": 9}, {"value": [1, 0]}]}]}`,
		"classes width":   `{"n_features": 1, "classes": ["a", "b"], "n_classes": 3, "trees": [{"nodes": [{"value": [1, 1, 1]}]}]}`,
		"base score":      `{"aggregation": "boost", "n_features": 1, "base_score": [0, 0], "trees": [{"nodes": [{"value": [1]}]}]}`,
		"class index":     `{"aggregation": "boost", "n_features": 1, "trees": [{"class_index": 1, "nodes": [{"value": [1]}]}]}`,
	}
	for name, doc := range cases {
		_, err := ParseForest([]byte(doc))
		assert.Error(t, err, name)
	}
}

// TestForest_Cycle 节点成环时报错而不是死循环
func TestForest_Cycle(t *testing.T) {
	f, err := ParseForest([]byte(`{"n_features": 1, "n_classes": 2, "trees": [{"nodes": [
		{"feature": 0, "threshold": 1, "left": 1, "right": 2},
		{"feature": 0, "threshold": 1, "left": 1, "right": 2},
		{"value": [1, 0]}
	]}]}`))
	require.NoError(t, err)

	_, err = f.Predict([]float64{0})
	assert.Error(t, err)
}

// TestLabelEncoder_Decode 下标与类别名两种原始输出
func TestLabelEncoder_Decode(t *testing.T) {
	enc, err := NewLabelEncoder([]string{"benign", "malware"})
	require.NoError(t, err)

	label, err := enc.Decode("1")
	require.NoError(t, err)
	assert.Equal(t, "malware", label)

	label, err = enc.Decode("benign")
	require.NoError(t, err)
	assert.Equal(t, "benign", label)

	_, err = enc.Decode("2")
	assert.Error(t, err)
	_, err = enc.Decode("trojan")
	assert.Error(t, err)

	_, err = NewLabelEncoder(nil)
	assert.Error(t, err)
}

// TestDetectFormat 格式推断
func TestDetectFormat(t *testing.T) {
	f, err := detectFormat("", "a/b/et_type_classifier.onnx")
	require.NoError(t, err)
	assert.Equal(t, FormatONNX, f)

	f, err = detectFormat("", "x.JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatForest, f)

	f, err = detectFormat("forest", "x.bin")
	require.NoError(t, err)
	assert.Equal(t, FormatForest, f)

	_, err = detectFormat("", "x.pkl")
	assert.Error(t, err)
	_, err = detectFormat("joblib", "x.json")
	assert.Error(t, err)
}
