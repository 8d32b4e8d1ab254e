package metadata_test

import (
	"archive/zip"
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hmcts/bulk-scan-processor/internal/metadata"
)

func buildZip(t *testing.T, entries map[string]string) []byte {
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

const validMetadata = `{
	"po_box": "PO10",
	"jurisdiction": "divorce",
	"zip_file_name": "1_24-06-2018-00-00-00.zip",
	"envelope_classification": "NEW_APPLICATION",
	"delivery_date": "2018-06-24 00:00:00",
	"opening_date": "2018-06-24T00:00:00Z",
	"zip_file_createddate": "2018-06-24 00:00:00",
	"scannable_items": [
		{"document_control_number": "1111002", "file_name": "1111002.pdf", "scanning_date": "2018-06-24 00:00:00"}
	]
}`

func TestParseValid(t *testing.T) {
	zipBytes := buildZip(t, map[string]string{
		"metadata.json": validMetadata,
		"1111002.pdf":   "%PDF-1.4 fake content",
	})

	parsed, err := metadata.Parse("bulkscan", "1_24-06-2018-00-00-00.zip", bytes.NewReader(zipBytes))
	require.NoError(t, err)
	require.Equal(t, "divorce", parsed.Envelope.Jurisdiction)
	require.Equal(t, []string{"1111002.pdf"}, parsed.PdfFileNames)
	require.Equal(t, 2018, parsed.Envelope.DeliveryDate.Year())
}

func TestParseMissingMetadata(t *testing.T) {
	zipBytes := buildZip(t, map[string]string{"1111002.pdf": "content"})

	_, err := metadata.Parse("bulkscan", "missing.zip", bytes.NewReader(zipBytes))
	var notFound *metadata.MetadataNotFound
	require.True(t, errors.As(err, &notFound))
}

func TestParseNonPdfEntry(t *testing.T) {
	zipBytes := buildZip(t, map[string]string{
		"metadata.json": validMetadata,
		"1111002.pdf":   "content",
		"readme.txt":    "not a pdf",
	})

	_, err := metadata.Parse("bulkscan", "bad.zip", bytes.NewReader(zipBytes))
	var nonPdf *metadata.NonPdfFileFound
	require.True(t, errors.As(err, &nonPdf))
	require.Equal(t, "readme.txt", nonPdf.EntryName)
}

func TestParseUnknownField(t *testing.T) {
	zipBytes := buildZip(t, map[string]string{
		"metadata.json": `{"jurisdiction": "divorce", "zip_file_name": "x.zip", "envelope_classification": "NEW_APPLICATION", "unexpected_field": true}`,
	})

	_, err := metadata.Parse("bulkscan", "x.zip", bytes.NewReader(zipBytes))
	var invalid *metadata.InvalidEnvelopeSchema
	require.True(t, errors.As(err, &invalid))
}

func TestParseInvalidClassification(t *testing.T) {
	zipBytes := buildZip(t, map[string]string{
		"metadata.json": `{"jurisdiction": "divorce", "zip_file_name": "x.zip", "envelope_classification": "NOT_A_REAL_CLASS"}`,
	})

	_, err := metadata.Parse("bulkscan", "x.zip", bytes.NewReader(zipBytes))
	var invalid *metadata.InvalidEnvelopeSchema
	require.True(t, errors.As(err, &invalid))
}

func TestParseShortDocumentControlNumber(t *testing.T) {
	zipBytes := buildZip(t, map[string]string{
		"metadata.json": `{"jurisdiction": "divorce", "zip_file_name": "x.zip", "envelope_classification": "NEW_APPLICATION",
			"scannable_items": [{"document_control_number": "12", "file_name": "12.pdf"}]}`,
		"12.pdf": "content",
	})

	_, err := metadata.Parse("bulkscan", "x.zip", bytes.NewReader(zipBytes))
	var invalid *metadata.InvalidEnvelopeSchema
	require.True(t, errors.As(err, &invalid))
}

func TestParseOcrDataParseFailure(t *testing.T) {
	zipBytes := buildZip(t, map[string]string{
		"metadata.json": `{"jurisdiction": "divorce", "zip_file_name": "x.zip", "envelope_classification": "SUPPLEMENTARY_EVIDENCE_WITH_OCR",
			"scannable_items": [{"document_control_number": "1111002", "file_name": "1111002.pdf", "ocr_data": "not-a-json-object"}]}`,
		"1111002.pdf": "content",
	})

	_, err := metadata.Parse("bulkscan", "x.zip", bytes.NewReader(zipBytes))
	var ocrErr *metadata.OcrDataParse
	require.True(t, errors.As(err, &ocrErr))
}
