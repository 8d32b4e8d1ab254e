package uploader

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildInnerZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractPdfsSkipsMetadata(t *testing.T) {
	zipBytes := buildInnerZip(t, map[string]string{
		"metadata.json": `{"jurisdiction":"divorce"}`,
		"1111002.pdf":   "pdf-bytes",
	})

	docs, err := extractPdfs(bytes.NewReader(zipBytes))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "1111002.pdf", docs[0].FileName)

	body, err := io.ReadAll(docs[0].Body)
	require.NoError(t, err)
	require.Equal(t, "pdf-bytes", string(body))
}

func TestExtractPdfsEmptyArchive(t *testing.T) {
	zipBytes := buildInnerZip(t, map[string]string{"metadata.json": "{}"})

	docs, err := extractPdfs(bytes.NewReader(zipBytes))
	require.NoError(t, err)
	require.Empty(t, docs)
}
