package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
)

func openTestCache(t *testing.T) *VerdictCache {
	c, err := Open(filepath.Join(t.TempDir(), "cache"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// TestVerdictCache_PutGet 写入后读取
func TestVerdictCache_PutGet(t *testing.T) {
	c := openTestCache(t)

	_, ok, err := c.Get("abc")
	require.NoError(t, err)
	assert.False(t, ok)

	v := &domain.Verdict{
		Type:        domain.LabelMalware,
		VoteCount:   5,
		TotalVoters: 6,
		Category:    "sms_trojan",
		Family:      "smsreg",
		Predictions: []domain.ModelPrediction{
			{Modality: domain.ModalityOpcode, Variant: "et", Label: "malware", Confidence: 0.9, Ballot: "malware"},
		},
	}
	require.NoError(t, c.Put("abc", v))

	got, ok, err := c.Get("abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v, got)

	n, err := c.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestVerdictCache_Purge 清空
func TestVerdictCache_Purge(t *testing.T) {
	c := openTestCache(t)

	require.NoError(t, c.Put("a", &domain.Verdict{Type: domain.LabelBenign}))
	require.NoError(t, c.Put("b", &domain.Verdict{Type: domain.LabelBenign}))
	n, err := c.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, c.Purge())
	n, err = c.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, ok, err := c.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestVerdictCache_Reopen 重新打开后数据仍在
func TestVerdictCache_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache")

	c, err := Open(path, 1)
	require.NoError(t, err)
	require.NoError(t, c.Put("fp", &domain.Verdict{Type: domain.LabelBenign, VoteCount: 1, TotalVoters: 6}))
	require.NoError(t, c.Close())

	c, err = Open(path, 1)
	require.NoError(t, err)
	defer c.Close()

	got, ok, err := c.Get("fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got.VoteCount)
}

// TestPrefixUpperBound 区间上界
func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("verdict;"), prefixUpperBound([]byte("verdict:")))
	assert.Equal(t, []byte{0x02}, prefixUpperBound([]byte{0x01, 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff}))
}

// TestOpen_EmptyPath 路径为空
func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open("", 1)
	assert.Error(t, err)
}
