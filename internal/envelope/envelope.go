// Package envelope cross-checks a parsed inner archive against its
// declared metadata and normalizes the result into persistable entities.
package envelope

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/hmcts/bulk-scan-processor/internal/metadata"
	"github.com/hmcts/bulk-scan-processor/internal/model"
)

// FileNameIrregularities is returned when the PDF filenames in the inner
// archive do not exactly match the fileName values declared across
// scannableItems.
type FileNameIrregularities struct {
	Container, FileName string
	Missing, Extra      []string
}

func (e *FileNameIrregularities) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("Missing PDFs: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, fmt.Sprintf("Extra PDFs: %s", strings.Join(e.Extra, ", ")))
	}
	return strings.Join(parts, "; ")
}

// JurisdictionMismatch is returned when metadata's declared jurisdiction
// disagrees with the configured container-to-jurisdiction mapping.
type JurisdictionMismatch struct {
	Container, Declared, Configured string
}

func (e *JurisdictionMismatch) Error() string {
	return fmt.Sprintf("container %s declares jurisdiction %q, configured as %q", e.Container, e.Declared, e.Configured)
}

// Build cross-checks parsed against container's configured jurisdiction and
// normalizes it into an unsaved Envelope + child rows.
func Build(container string, configuredJurisdiction string, parsed *metadata.Parsed) (*model.Envelope, error) {
	if err := crossCheckFileNames(container, parsed); err != nil {
		return nil, err
	}

	env := parsed.Envelope
	if configuredJurisdiction != "" && env.Jurisdiction != configuredJurisdiction {
		return nil, &JurisdictionMismatch{Container: container, Declared: env.Jurisdiction, Configured: configuredJurisdiction}
	}

	out := &model.Envelope{
		ID:                 model.NewID(),
		Container:          container,
		Jurisdiction:       env.Jurisdiction,
		CaseNumber:         env.CaseNumber,
		PoBox:              env.PoBox,
		Classification:     env.EnvelopeClassification,
		DeliveryDate:       env.DeliveryDate.Time,
		OpeningDate:        env.OpeningDate.Time,
		ZipFileCreatedDate: env.ZipFileCreatedDate.Time,
		ZipFileName:        env.ZipFileName,
		ScannableItems:     make([]model.ScannableItem, 0, len(env.ScannableItems)),
	}

	for _, item := range env.ScannableItems {
		ocrData, err := flattenOcrData(item.OcrData)
		if err != nil {
			return nil, &metadata.OcrDataParse{Container: container, FileName: env.ZipFileName, DocumentControlNumber: item.DocumentControlNumber, Reason: err.Error()}
		}
		out.ScannableItems = append(out.ScannableItems, model.ScannableItem{
			ID:                    model.NewID(),
			DocumentControlNumber: item.DocumentControlNumber,
			FileName:              item.FileName,
			ScanningDate:          item.ScanningDate.Time,
			OcrAccuracy:           item.OcrAccuracy,
			ExceptionRecord:       item.ExceptionRecord,
			OcrData:               ocrData,
			DocumentType:          item.DocumentType,
			DocumentSubType:       item.DocumentSubType,
			Notes:                 item.Notes,
		})
	}
	out.Payments = lo.Map(env.Payments, func(p metadata.Payment, _ int) model.Payment {
		return model.Payment{
			ID:                    model.NewID(),
			DocumentControlNumber: p.DocumentControlNumber,
			Method:                p.Method,
		}
	})
	out.NonScannableItems = lo.Map(env.NonScannableItems, func(n metadata.NonScannableItem, _ int) model.NonScannableItem {
		return model.NonScannableItem{
			ID:                    model.NewID(),
			DocumentControlNumber: n.DocumentControlNumber,
			ItemType:              n.ItemType,
			Notes:                 n.Notes,
		}
	})

	return out, nil
}

func flattenOcrData(raw json.RawMessage) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out, nil
}

func crossCheckFileNames(container string, parsed *metadata.Parsed) error {
	declared := make(map[string]int)
	for _, item := range parsed.Envelope.ScannableItems {
		declared[item.FileName]++
	}
	present := make(map[string]int)
	for _, name := range parsed.PdfFileNames {
		present[name]++
	}

	var missing, extra []string
	for name, count := range declared {
		if present[name] < count {
			missing = append(missing, name)
		}
	}
	for name, count := range present {
		if declared[name] < count {
			extra = append(extra, name)
		}
	}

	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return &FileNameIrregularities{
		Container: container,
		FileName:  parsed.Envelope.ZipFileName,
		Missing:   missing,
		Extra:     extra,
	}
}
