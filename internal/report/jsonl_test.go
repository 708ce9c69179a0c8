package report

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONL_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verdicts.jsonl")

	w, err := CreateJSONL(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteLine(map[string]string{"report": "a.json", "type": "malware"}))
	require.NoError(t, w.WriteLine(map[string]string{"report": "b.json", "type": "benign"}))
	require.NoError(t, w.Close())

	r, err := OpenJSONL(path)
	require.NoError(t, err)
	defer r.Close()

	first, err := r.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"report":"a.json","type":"malware"}`, string(first))

	second, err := r.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"report":"b.json","type":"benign"}`, string(second))
	assert.Equal(t, 2, r.LineNumber())

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestJSONLReader_SkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.jsonl")
	content := "{\"opcodes\":{\"nop\":1}}\n\n   \n{\"permissions\":[]}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	r, err := OpenJSONL(path)
	require.NoError(t, err)
	defer r.Close()

	var docs []string
	for {
		doc, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		docs = append(docs, string(doc))
	}

	assert.Equal(t, []string{`{"opcodes":{"nop":1}}`, `{"permissions":[]}`}, docs)
	assert.Equal(t, 4, r.LineNumber())

	f, err := Parse([]byte(docs[0]))
	require.NoError(t, err)
	assert.Len(t, f.Opcodes, 1)
}

func TestOpenJSONL_Missing(t *testing.T) {
	_, err := OpenJSONL(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}
