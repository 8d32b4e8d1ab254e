package ingestion

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hmcts/bulk-scan-processor/internal/envelope"
	"github.com/hmcts/bulk-scan-processor/internal/metadata"
	"github.com/hmcts/bulk-scan-processor/internal/notify"
)

func TestClassifyMetadataNotFound(t *testing.T) {
	code, _, ok := classify(&metadata.MetadataNotFound{Container: "bulkscan", FileName: "x.zip"})
	require.True(t, ok)
	require.Equal(t, notify.ErrorCodeMetadataNotFound, code)
}

func TestClassifyFileNameIrregularity(t *testing.T) {
	code, description, ok := classify(&envelope.FileNameIrregularities{
		Container: "bulkscan",
		Missing:   []string{"1111002.pdf"},
	})
	require.True(t, ok)
	require.Equal(t, notify.ErrorCodeFileNameIrregularity, code)
	require.Contains(t, description, "Missing PDFs: 1111002.pdf")
}

func TestClassifyUnrecognizedErrorIsUnclassified(t *testing.T) {
	_, _, ok := classify(errors.New("some opaque failure"))
	require.False(t, ok)
}
