package report

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParse_AndroPyTool 解析 AndroPyTool 布局
func TestParse_AndroPyTool(t *testing.T) {
	doc := []byte(`{
		"Pre_static_analysis": {"Filename": "x.apk"},
		"Static_analysis": {
			"Opcodes": {"invoke-virtual": 12, "nop": "3", "weird": "abc", "flag": true},
			"Permissions": ["android.permission.INTERNET", 42, " android.permission.SEND_SMS "]
		}
	}`)

	f, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, 12.0, f.Opcodes["invoke-virtual"])
	assert.Equal(t, 3.0, f.Opcodes["nop"])
	assert.Equal(t, 0.0, f.Opcodes["weird"])
	assert.Equal(t, 0.0, f.Opcodes["flag"])
	assert.Equal(t, []string{"android.permission.INTERNET", " android.permission.SEND_SMS "}, f.Permissions)
}

// TestParse_MobSFPermissions MobSF 顶层权限对象
func TestParse_MobSFPermissions(t *testing.T) {
	doc := []byte(`{
		"app_name": "demo",
		"permissions": {
			"android.permission.READ_SMS": {"status": "dangerous"},
			"android.permission.CAMERA": {"status": "dangerous"}
		}
	}`)

	f, err := Parse(doc)
	require.NoError(t, err)
	assert.Empty(t, f.Opcodes)
	assert.Equal(t, []string{"android.permission.CAMERA", "android.permission.READ_SMS"}, f.Permissions)
}

// TestParse_PreSplit 预拆分布局
func TestParse_PreSplit(t *testing.T) {
	f, err := Parse([]byte(`{"opcodes": {"a/b": 3}, "permissions": ["p"]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a/b": 3}, f.Opcodes)
	assert.Equal(t, []string{"p"}, f.Permissions)
}

// TestParse_MissingSections 缺失段落按空处理
func TestParse_MissingSections(t *testing.T) {
	for _, doc := range []string{`{}`, `{"Static_analysis": null}`, `{"Static_analysis": {"Opcodes": [1,2]}}`} {
		f, err := Parse([]byte(doc))
		require.NoError(t, err, doc)
		assert.True(t, f.Empty(), doc)
		assert.NotNil(t, f.Opcodes)
		assert.NotNil(t, f.Permissions)
	}
}

// TestParse_InvalidDocument 非 JSON 对象
func TestParse_InvalidDocument(t *testing.T) {
	for _, doc := range []string{``, `not json`, `[1,2,3]`} {
		_, err := Parse([]byte(doc))
		assert.True(t, errors.Is(err, ErrInvalidDocument), doc)
	}
}

// TestParse_NonFiniteCounts NaN 与 Inf 字符串按 0 处理
func TestParse_NonFiniteCounts(t *testing.T) {
	doc := []byte(`{"Static_analysis": {"Opcodes": {
		"const-string": "NaN", "nop": "Inf", "goto": "-Infinity", "move": "infinity", "invoke-virtual": 3
	}}}`)

	f, err := Parse(doc)
	require.NoError(t, err)
	for _, k := range []string{"const-string", "nop", "goto", "move"} {
		assert.Equal(t, 0.0, f.Opcodes[k], k)
	}
	assert.Equal(t, 3.0, f.Opcodes["invoke-virtual"])
}

// TestParseSplit 预拆分请求体，类型不符的值按缺失处理
func TestParseSplit(t *testing.T) {
	name, f, err := ParseSplit([]byte(`{
		"report_name": "sample.json",
		"opcodes": {"nop": "3", "invoke-virtual": 2, "flag": true, "bad": "NaN"},
		"permissions": ["android.permission.INTERNET", 5, null]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "sample.json", name)
	assert.Equal(t, map[string]float64{"nop": 3, "invoke-virtual": 2, "flag": 0, "bad": 0}, f.Opcodes)
	assert.Equal(t, []string{"android.permission.INTERNET"}, f.Permissions)

	name, f, err = ParseSplit([]byte(`{"report_name": 7, "opcodes": [1, 2], "permissions": "x"}`))
	require.NoError(t, err)
	assert.Empty(t, name)
	assert.True(t, f.Empty())

	_, _, err = ParseSplit([]byte(`{`))
	assert.True(t, errors.Is(err, ErrInvalidDocument))
}
