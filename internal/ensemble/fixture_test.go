package ensemble

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
	"github.com/apk-analysis/apk-ensemble-go/internal/model"
	"github.com/apk-analysis/apk-ensemble-go/internal/report"
)

func fixturePredictor(t *testing.T) *Predictor {
	b, err := model.LoadBundle(model.Options{Dir: "../model/testdata/bundle", Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return NewPredictorFromBundle(b, quietLogger())
}

// TestFixture_ZeroVectors 操作码全部不在 Schema 中、权限为空时判定为 benign
func TestFixture_ZeroVectors(t *testing.T) {
	p := fixturePredictor(t)

	doc := []byte(`{"Static_analysis": {"Opcodes": {"sput-wide": 4, "aget-char": 9}, "Permissions": []}}`)
	verdict, err := p.PredictDocument(context.Background(), doc)
	require.NoError(t, err)

	assert.Equal(t, domain.LabelBenign, verdict.Type)
	assert.Equal(t, 0, verdict.VoteCount)
	assert.Equal(t, 6, verdict.TotalVoters)
	assert.Empty(t, verdict.Category)
	assert.Empty(t, verdict.Family)

	vecs := p.Encode(&report.Features{Opcodes: map[string]float64{"sput-wide": 4}})
	assert.Equal(t, []float64{0, 0, 0, 0}, vecs.Opcode)

	// 重复执行结果一致
	again, err := p.PredictDocument(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, verdict, again)
}

// TestFixture_Malware 六个投票者一致判定 malware，并完成级联
func TestFixture_Malware(t *testing.T) {
	p := fixturePredictor(t)

	doc := []byte(`{"Static_analysis": {
		"Opcodes": {"const-string": 5, "invoke-virtual": 3, "nop": 2},
		"Permissions": ["android.permission.INTERNET", "android.permission.SEND_SMS", "android.permission.READ_SMS"]
	}}`)
	verdict, err := p.PredictDocument(context.Background(), doc)
	require.NoError(t, err)

	assert.Equal(t, domain.LabelMalware, verdict.Type)
	assert.Equal(t, 6, verdict.VoteCount)
	assert.Equal(t, "sms_trojan", verdict.Category)
	assert.Equal(t, "smsreg", verdict.Family)
	assert.Equal(t, 0, verdict.OverrideCount())

	// JSON 往返后 type/category/family 不变
	data, err := json.Marshal(verdict)
	require.NoError(t, err)
	var back domain.Verdict
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, verdict.Type, back.Type)
	assert.Equal(t, verdict.Category, back.Category)
	assert.Equal(t, verdict.Family, back.Family)
}

// TestFixture_CallShapes 完整文档与预拆分特征两种入口结果一致
func TestFixture_CallShapes(t *testing.T) {
	p := fixturePredictor(t)

	opcodes := map[string]float64{"const/string": 5, "invoke-virtual": 3, "nop": 2}
	perms := []string{"android.permission.SEND_SMS", "android.permission.READ_SMS"}

	fromFeatures, err := p.PredictFeatures(context.Background(), opcodes, perms)
	require.NoError(t, err)

	doc, err := json.Marshal(map[string]interface{}{"opcodes": opcodes, "permissions": perms})
	require.NoError(t, err)
	fromDocument, err := p.PredictDocument(context.Background(), doc)
	require.NoError(t, err)

	assert.Equal(t, fromFeatures, fromDocument)
}

// TestFixture_InvalidDocument 非 JSON 文档
func TestFixture_InvalidDocument(t *testing.T) {
	p := fixturePredictor(t)

	_, err := p.PredictDocument(context.Background(), []byte("<html>"))
	assert.ErrorIs(t, err, report.ErrInvalidDocument)
}

// TestFixture_NonFiniteCountIgnored NaN 计数不会改变投票结果
func TestFixture_NonFiniteCountIgnored(t *testing.T) {
	p := fixturePredictor(t)

	garbage, err := p.PredictDocument(context.Background(),
		[]byte(`{"Static_analysis": {"Opcodes": {"const-string": "NaN", "invoke-virtual": 3}}}`))
	require.NoError(t, err)
	clean, err := p.PredictDocument(context.Background(),
		[]byte(`{"Static_analysis": {"Opcodes": {"invoke-virtual": 3}}}`))
	require.NoError(t, err)
	assert.Equal(t, clean, garbage)

	vecs := p.Encode(&report.Features{Opcodes: map[string]float64{"const-string": math.NaN(), "invoke-virtual": 3}})
	var sum float64
	for _, x := range vecs.Opcode {
		require.False(t, math.IsNaN(x))
		sum += math.Abs(x)
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

// TestFixture_Canceled 已取消的请求返回 context.Canceled，而不是估计器失败
func TestFixture_Canceled(t *testing.T) {
	p := fixturePredictor(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	verdict, err := p.PredictFeatures(ctx, map[string]float64{"nop": 1}, nil)
	assert.Nil(t, verdict)
	assert.ErrorIs(t, err, context.Canceled)
	_, isEstimatorFailure := AsClassificationError(err)
	assert.False(t, isEstimatorFailure)
	assert.True(t, IsCanceled(err))
}
