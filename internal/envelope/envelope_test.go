package envelope_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hmcts/bulk-scan-processor/internal/envelope"
	"github.com/hmcts/bulk-scan-processor/internal/metadata"
)

func parsedFixture(zipFileName string, pdfNames []string) *metadata.Parsed {
	return &metadata.Parsed{
		Envelope: metadata.Envelope{
			Jurisdiction:           "divorce",
			ZipFileName:            zipFileName,
			EnvelopeClassification: "NEW_APPLICATION",
			ScannableItems: []metadata.ScannableItem{
				{DocumentControlNumber: "1111001", FileName: "1111001.pdf"},
				{DocumentControlNumber: "1111002", FileName: "1111002.pdf"},
			},
		},
		PdfFileNames: pdfNames,
	}
}

func TestBuildExactMatch(t *testing.T) {
	parsed := parsedFixture("1_24-06-2018-00-00-00.zip", []string{"1111001.pdf", "1111002.pdf"})

	env, err := envelope.Build("bulkscan", "divorce", parsed)
	require.NoError(t, err)
	require.Equal(t, "divorce", env.Jurisdiction)
	require.Len(t, env.ScannableItems, 2)
}

func TestBuildMissingAndExtraPdfs(t *testing.T) {
	parsed := parsedFixture("1_24-06-2018-00-00-00.zip", []string{"1111002.pdf", "extra.pdf"})

	_, err := envelope.Build("bulkscan", "divorce", parsed)
	var irregular *envelope.FileNameIrregularities
	require.True(t, errors.As(err, &irregular))
	require.Equal(t, []string{"1111001.pdf"}, irregular.Missing)
	require.Equal(t, []string{"extra.pdf"}, irregular.Extra)
	require.Equal(t, "Missing PDFs: 1111001.pdf; Extra PDFs: extra.pdf", irregular.Error())
}

func TestBuildJurisdictionMismatch(t *testing.T) {
	parsed := parsedFixture("1_24-06-2018-00-00-00.zip", []string{"1111001.pdf", "1111002.pdf"})

	_, err := envelope.Build("bulkscan", "probate", parsed)
	var mismatch *envelope.JurisdictionMismatch
	require.True(t, errors.As(err, &mismatch))
	require.Equal(t, "divorce", mismatch.Declared)
	require.Equal(t, "probate", mismatch.Configured)
}

func TestBuildEmptyConfiguredJurisdictionSkipsCheck(t *testing.T) {
	parsed := parsedFixture("1_24-06-2018-00-00-00.zip", []string{"1111001.pdf", "1111002.pdf"})

	env, err := envelope.Build("bulkscan", "", parsed)
	require.NoError(t, err)
	require.Equal(t, "divorce", env.Jurisdiction)
}
