package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// Aggregation 树集成的聚合方式
type Aggregation string

const (
	AggregationAverage Aggregation = "average" // 随机森林 / 极端随机树
	AggregationBoost   Aggregation = "boost"   // 梯度提升
)

// treeNode 单个节点，left <= 0 为叶子（根节点不会是子节点）
type treeNode struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Value     []float64 `json:"value"`
}

func (n *treeNode) isLeaf() bool {
	return n.Left <= 0
}

type tree struct {
	ClassIndex int        `json:"class_index"`
	Nodes      []treeNode `json:"nodes"`
}

// forestFile 训练流水线导出的树集成
type forestFile struct {
	Aggregation Aggregation `json:"aggregation"`
	NumFeatures int         `json:"n_features"`
	NumClasses  int         `json:"n_classes"`
	Classes     []string    `json:"classes"`
	BaseScore   []float64   `json:"base_score"`
	Trees       []tree      `json:"trees"`
}

// ForestEstimator 纯 Go 实现的树集成推理
type ForestEstimator struct {
	aggregation Aggregation
	numFeatures int
	numClasses  int
	classes     []string
	baseScore   []float64
	trees       []tree
}

// LoadForest 读取 JSON 树集成
func LoadForest(path string) (*ForestEstimator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseForest(data)
}

// ParseForest 解析并校验树集成
func ParseForest(data []byte) (*ForestEstimator, error) {
	var f forestFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode forest: %w", err)
	}

	if f.NumFeatures <= 0 {
		return nil, errors.New("forest n_features must be positive")
	}
	if len(f.Trees) == 0 {
		return nil, errors.New("forest has no trees")
	}
	if f.NumClasses == 0 {
		f.NumClasses = len(f.Classes)
	}
	if f.Aggregation == "" {
		f.Aggregation = AggregationAverage
	}

	// 提升树中的原始分数维度：二分类为 1，多分类为类别数
	scoreDim := 0
	switch f.Aggregation {
	case AggregationAverage:
		if f.NumClasses < 2 {
			return nil, errors.New("forest needs at least two classes")
		}
	case AggregationBoost:
		if f.NumClasses < 2 {
			f.NumClasses = 2
		}
		scoreDim = f.NumClasses
		if f.NumClasses == 2 {
			scoreDim = 1
		}
		if f.BaseScore == nil {
			f.BaseScore = make([]float64, scoreDim)
		}
		if len(f.BaseScore) != scoreDim {
			return nil, fmt.Errorf("base_score has %d entries, expected %d", len(f.BaseScore), scoreDim)
		}
	default:
		return nil, fmt.Errorf("unsupported aggregation %q", f.Aggregation)
	}
	if len(f.Classes) > 0 && len(f.Classes) != f.NumClasses {
		return nil, fmt.Errorf("classes has %d entries, n_classes is %d", len(f.Classes), f.NumClasses)
	}

	for ti, t := range f.Trees {
		if len(t.Nodes) == 0 {
			return nil, fmt.Errorf("tree %d is empty", ti)
		}
		if f.Aggregation == AggregationBoost && (t.ClassIndex < 0 || t.ClassIndex >= scoreDim) {
			return nil, fmt.Errorf("tree %d class_index %d out of range", ti, t.ClassIndex)
		}
		for ni, n := range t.Nodes {
			if n.isLeaf() {
				want := f.NumClasses
				if f.Aggregation == AggregationBoost {
					want = 1
				}
				if len(n.Value) != want {
					return nil, fmt.Errorf("tree %d leaf %d has %d values, expected %d", ti, ni, len(n.Value), want)
				}
				continue
			}
			if n.Feature < 0 || n.Feature >= f.NumFeatures {
				return nil, fmt.Errorf("tree %d node %d feature %d out of range", ti, ni, n.Feature)
			}
			if n.Left >= len(t.Nodes) || n.Right <= 0 || n.Right >= len(t.Nodes) {
				return nil, fmt.Errorf("tree %d node %d has invalid children", ti, ni)
			}
		}
	}

	return &ForestEstimator{
		aggregation: f.Aggregation,
		numFeatures: f.NumFeatures,
		numClasses:  f.NumClasses,
		classes:     f.Classes,
		baseScore:   f.BaseScore,
		trees:       f.Trees,
	}, nil
}

// NumFeatures 期望的输入维度
func (e *ForestEstimator) NumFeatures() int {
	return e.numFeatures
}

// Classes 类别表
func (e *ForestEstimator) Classes() []string {
	return e.classes
}

// Predict 单行推理
func (e *ForestEstimator) Predict(x []float64) (Prediction, error) {
	if len(x) != e.numFeatures {
		return Prediction{}, fmt.Errorf("forest expects %d features, got %d", e.numFeatures, len(x))
	}

	var probs []float64
	var err error
	if e.aggregation == AggregationBoost {
		probs, err = e.boost(x)
	} else {
		probs, err = e.average(x)
	}
	if err != nil {
		return Prediction{}, err
	}

	return Prediction{
		Class:         className(e.classes, argmax(probs)),
		Probabilities: probs,
	}, nil
}

func (e *ForestEstimator) average(x []float64) ([]float64, error) {
	probs := make([]float64, e.numClasses)
	for ti := range e.trees {
		leaf, err := walk(&e.trees[ti], x)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", ti, err)
		}
		var sum float64
		for _, v := range leaf.Value {
			sum += v
		}
		if sum == 0 {
			continue
		}
		for c, v := range leaf.Value {
			probs[c] += v / sum
		}
	}
	for c := range probs {
		probs[c] /= float64(len(e.trees))
	}
	return probs, nil
}

func (e *ForestEstimator) boost(x []float64) ([]float64, error) {
	scores := make([]float64, len(e.baseScore))
	copy(scores, e.baseScore)
	for ti := range e.trees {
		leaf, err := walk(&e.trees[ti], x)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", ti, err)
		}
		scores[e.trees[ti].ClassIndex] += leaf.Value[0]
	}

	if len(scores) == 1 {
		p := 1 / (1 + math.Exp(-scores[0]))
		return []float64{1 - p, p}, nil
	}
	return softmax(scores), nil
}

// walk 从根走到叶子，x[feature] <= threshold 向左
func walk(t *tree, x []float64) (*treeNode, error) {
	idx := 0
	for steps := 0; steps <= len(t.Nodes); steps++ {
		n := &t.Nodes[idx]
		if n.isLeaf() {
			return n, nil
		}
		if x[n.Feature] <= n.Threshold {
			idx = n.Left
		} else {
			idx = n.Right
		}
	}
	return nil, errors.New("cycle detected")
}

func softmax(v []float64) []float64 {
	max := v[0]
	for _, x := range v[1:] {
		if x > max {
			max = x
		}
	}
	out := make([]float64, len(v))
	var sum float64
	for i, x := range v {
		out[i] = math.Exp(x - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
