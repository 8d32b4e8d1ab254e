// Package metadata parses and validates the inner archive's metadata.json
// against the fixed envelope schema.
package metadata

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

const metadataEntryName = "metadata.json"

// MetadataNotFound is returned when the inner archive lacks metadata.json.
type MetadataNotFound struct {
	Container, FileName string
}

func (e *MetadataNotFound) Error() string {
	return fmt.Sprintf("metadata.json not found in %s/%s", e.Container, e.FileName)
}

// NonPdfFileFound is returned when the inner archive contains an entry that
// is neither metadata.json nor a *.pdf file.
type NonPdfFileFound struct {
	Container, FileName, EntryName string
}

func (e *NonPdfFileFound) Error() string {
	return fmt.Sprintf("non-pdf entry %q found in %s/%s", e.EntryName, e.Container, e.FileName)
}

// InvalidEnvelopeSchema is returned on schema validation failure, carrying a
// human-readable processing report.
type InvalidEnvelopeSchema struct {
	Container, FileName, Report string
}

func (e *InvalidEnvelopeSchema) Error() string {
	return fmt.Sprintf("invalid envelope schema for %s/%s: %s", e.Container, e.FileName, e.Report)
}

// OcrDataParse is returned when a scannable item's embedded OCR data fails
// to parse as a JSON object.
type OcrDataParse struct {
	Container, FileName, DocumentControlNumber string
	Reason                                     string
}

func (e *OcrDataParse) Error() string {
	return fmt.Sprintf("ocr data parse failure for %s (%s/%s): %s", e.DocumentControlNumber, e.Container, e.FileName, e.Reason)
}

// ScannableItem is one declared scanned document within metadata.json.
type ScannableItem struct {
	DocumentControlNumber string          `json:"document_control_number" validate:"required,min=6"`
	FileName              string          `json:"file_name" validate:"required"`
	ScanningDate          Timestamp       `json:"scanning_date"`
	OcrAccuracy           string          `json:"ocr_accuracy"`
	ExceptionRecord       bool            `json:"exception_record"`
	OcrData               json.RawMessage `json:"ocr_data,omitempty"`
	DocumentType          string          `json:"document_type"`
	DocumentSubType       string          `json:"document_sub_type"`
	Notes                 string          `json:"notes"`
}

// Payment is a declared payment record, descriptive only.
type Payment struct {
	DocumentControlNumber string `json:"document_control_number"`
	Method                string `json:"method"`
}

// NonScannableItem is a declared non-scannable record, descriptive only.
type NonScannableItem struct {
	DocumentControlNumber string `json:"document_control_number"`
	ItemType              string `json:"item_type"`
	Notes                 string `json:"notes"`
}

// Envelope is the parsed, schema-validated metadata.json payload, prior to
// cross-checking against the inner archive's PDF entries.
type Envelope struct {
	PoBox                  string             `json:"po_box"`
	Jurisdiction           string             `json:"jurisdiction" validate:"required"`
	DeliveryDate           Timestamp          `json:"delivery_date"`
	OpeningDate            Timestamp          `json:"opening_date"`
	ZipFileCreatedDate     Timestamp          `json:"zip_file_createddate"`
	ZipFileName            string             `json:"zip_file_name" validate:"required"`
	CaseNumber             string             `json:"case_number"`
	EnvelopeClassification string             `json:"envelope_classification" validate:"required,oneof=NEW_APPLICATION SUPPLEMENTARY_EVIDENCE EXCEPTION SUPPLEMENTARY_EVIDENCE_WITH_OCR"`
	ScannableItems         []ScannableItem    `json:"scannable_items" validate:"dive"`
	Payments               []Payment          `json:"payments"`
	NonScannableItems      []NonScannableItem `json:"non_scannable_items"`
}

// Timestamp accepts the bureau's ISO-like timestamps, tolerating a
// space-separated variant in place of the "T" separator.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	var lastErr error
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed.Truncate(time.Millisecond)
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("parsing timestamp %q: %w", s, lastErr)
}

// Parsed is the outcome of parsing the inner archive: the validated
// metadata plus the set of PDF filenames actually present.
type Parsed struct {
	Envelope     Envelope
	PdfFileNames []string
}

// Parse reads the inner archive (full read required: zip.NewReader needs a
// ReaderAt), enforces the metadata.json/*.pdf entry shape, and validates the
// parsed metadata against the fixed schema.
func Parse(container, fileName string, r io.Reader) (*Parsed, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading inner archive: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("opening inner archive: %w", err)
	}

	var metaFile *zip.File
	var pdfNames []string
	for _, f := range zr.File {
		switch {
		case f.Name == metadataEntryName:
			metaFile = f
		case strings.HasSuffix(f.Name, ".pdf"):
			pdfNames = append(pdfNames, f.Name)
		default:
			return nil, &NonPdfFileFound{Container: container, FileName: fileName, EntryName: f.Name}
		}
	}
	if metaFile == nil {
		return nil, &MetadataNotFound{Container: container, FileName: fileName}
	}

	rc, err := metaFile.Open()
	if err != nil {
		return nil, fmt.Errorf("opening metadata.json: %w", err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading metadata.json: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, &InvalidEnvelopeSchema{Container: container, FileName: fileName, Report: err.Error()}
	}

	if err := validate.Struct(env); err != nil {
		return nil, &InvalidEnvelopeSchema{Container: container, FileName: fileName, Report: err.Error()}
	}

	for _, item := range env.ScannableItems {
		if len(item.OcrData) == 0 {
			continue
		}
		var probe map[string]any
		if err := json.Unmarshal(item.OcrData, &probe); err != nil {
			return nil, &OcrDataParse{Container: container, FileName: fileName, DocumentControlNumber: item.DocumentControlNumber, Reason: err.Error()}
		}
	}

	return &Parsed{Envelope: env, PdfFileNames: pdfNames}, nil
}
