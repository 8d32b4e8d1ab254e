// Package ingestion implements the Ingestion Coordinator: the scheduled
// driver that lists each input container's archives, verifies and
// validates each one, and persists or rejects it.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/hmcts/bulk-scan-processor/internal/blobgateway"
	"github.com/hmcts/bulk-scan-processor/internal/envelope"
	"github.com/hmcts/bulk-scan-processor/internal/metadata"
	"github.com/hmcts/bulk-scan-processor/internal/model"
	"github.com/hmcts/bulk-scan-processor/internal/notify"
	"github.com/hmcts/bulk-scan-processor/internal/store"
	"github.com/hmcts/bulk-scan-processor/internal/telemetry"
	"github.com/hmcts/bulk-scan-processor/internal/zipsig"
)

var log = logging.Logger("ingestion")

// Coordinator is the Ingestion Coordinator driver.
type Coordinator struct {
	gateway        *blobgateway.Gateway
	verifier       *zipsig.Verifier
	store          *store.Store
	notifier       *notify.Notifier
	jurisdictions  map[string]string
	testContainers map[string]bool
	grace          time.Duration
	leaseTTL       time.Duration
}

// New builds a Coordinator. jurisdictions maps container -> expected
// jurisdiction code; testContainers marks containers whose notifications
// should carry testOnly=true.
func New(gw *blobgateway.Gateway, v *zipsig.Verifier, s *store.Store, n *notify.Notifier, jurisdictions map[string]string, testContainers []string, grace, leaseTTL time.Duration) *Coordinator {
	tc := make(map[string]bool, len(testContainers))
	for _, c := range testContainers {
		tc[c] = true
	}
	return &Coordinator{
		gateway:        gw,
		verifier:       v,
		store:          s,
		notifier:       n,
		jurisdictions:  jurisdictions,
		testContainers: tc,
		grace:          grace,
		leaseTTL:       leaseTTL,
	}
}

func (c *Coordinator) Name() string { return "ingestion-coordinator" }

// Tick processes every input container once. A per-archive failure is
// always translated into a classified outcome; it never aborts the tick.
func (c *Coordinator) Tick(ctx context.Context) error {
	for _, container := range c.gateway.ListContainers() {
		archives, err := c.gateway.ListArchives(ctx, container)
		if err != nil {
			log.Errorw("listing archives failed", "container", container, "error", err)
			continue
		}
		for _, archive := range archives {
			c.processArchive(ctx, container, archive)
		}
	}
	return nil
}

// processArchive is the scoped boundary around one archive's processing: a
// panic anywhere below it (a bad metadata parse, a nil pointer in a store
// driver) is recovered here and turned into the same unclassified-failure
// outcome a returned error would produce, rather than taking down the
// scheduler goroutine and every other archive behind it.
func (c *Coordinator) processArchive(ctx context.Context, container string, archive blobgateway.Archive) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 4096)
			n := runtime.Stack(stack, false)
			log.Errorw("recovered from panic processing archive", "container", container, "file", archive.FileName, "panic", r, "stack", string(stack[:n]))
			c.handleUnclassified(ctx, container, archive.FileName, fmt.Errorf("panic: %v", r))
		}
	}()

	name := archive.FileName

	if time.Since(archive.LastModified) < c.grace {
		log.Debugw("skipping archive within grace window", "container", container, "file", name)
		return
	}

	existing, err := c.store.FindByContainerAndFilename(ctx, container, name)
	if err != nil {
		log.Errorw("idempotency lookup failed", "container", container, "file", name, "error", err)
		return
	}
	if existing != nil {
		if existing.Status.Processed() && !existing.ZipDeleted {
			if err := c.gateway.DeleteIfExists(ctx, container, name); err != nil {
				log.Errorw("deleting processed archive failed", "container", container, "file", name, "error", err)
				return
			}
			if err := c.store.MarkZipDeleted(ctx, existing.ID); err != nil {
				log.Errorw("marking zip deleted failed", "container", container, "file", name, "error", err)
			}
		}
		return
	}

	_, err = c.gateway.AcquireLease(ctx, container, name, c.leaseTTL)
	if err != nil {
		if errors.Is(err, blobgateway.ErrBusy) {
			log.Debugw("archive is leased elsewhere, skipping", "container", container, "file", name)
			return
		}
		log.Errorw("lease acquisition failed", "container", container, "file", name, "error", err)
		return
	}

	body, _, err := c.gateway.OpenRead(ctx, container, name)
	if err != nil {
		log.Errorw("opening archive failed", "container", container, "file", name, "error", err)
		return
	}
	defer body.Close()

	inner, err := c.verifier.Verify(container, name, body)
	if err != nil {
		c.handleSignatureFailure(ctx, container, name, err)
		return
	}

	parsed, err := metadata.Parse(container, name, inner)
	if err != nil {
		c.handleValidationFailure(ctx, container, name, err)
		return
	}

	env, err := envelope.Build(container, c.jurisdictions[container], parsed)
	if err != nil {
		c.handleValidationFailure(ctx, container, name, err)
		return
	}

	if err := c.store.CreateEnvelope(ctx, env); err != nil {
		log.Errorw("persisting envelope failed", "container", container, "file", name, "error", err)
		return
	}
	log.Infow("envelope created", "container", container, "file", name, "envelope_id", env.ID)
}

func (c *Coordinator) handleSignatureFailure(ctx context.Context, container, name string, cause error) {
	var sigErr *zipsig.DocSignatureFailure
	if !errors.As(cause, &sigErr) {
		c.handleUnclassified(ctx, container, name, cause)
		return
	}

	if err := c.store.RecordTerminalFailure(ctx, container, name, model.EventDocSignatureFailure, sigErr.Reason); err != nil {
		log.Errorw("recording signature failure event failed", "container", container, "file", name, "error", err)
	}
	if c.notifier != nil {
		if err := c.notifier.Notify(ctx, model.NewID(), container, name, notify.ErrorCodeSignatureVerificationFailed, sigErr.Reason, c.testContainers[container]); err != nil {
			log.Warnw("notification enqueue failed", "container", container, "file", name, "error", err)
		}
	}
	if err := c.gateway.MoveToRejected(ctx, container, name); err != nil {
		log.Errorw("moving to rejected failed", "container", container, "file", name, "error", err)
	}
}

func (c *Coordinator) handleValidationFailure(ctx context.Context, container, name string, cause error) {
	code, description, ok := classify(cause)
	if !ok {
		c.handleUnclassified(ctx, container, name, cause)
		return
	}

	if err := c.store.RecordTerminalFailure(ctx, container, name, model.EventFileValidationFailure, description); err != nil {
		log.Errorw("recording validation failure event failed", "container", container, "file", name, "error", err)
	}
	if c.notifier != nil {
		if err := c.notifier.Notify(ctx, model.NewID(), container, name, code, description, c.testContainers[container]); err != nil {
			log.Warnw("notification enqueue failed", "container", container, "file", name, "error", err)
		}
	}
	if err := c.gateway.MoveToRejected(ctx, container, name); err != nil {
		log.Errorw("moving to rejected failed", "container", container, "file", name, "error", err)
	}
}

// classify maps a typed validation error to its outward error code and
// description. ok is false for anything it does not recognize, which the
// caller treats as an UnclassifiedException instead.
func classify(cause error) (code notify.ErrorCode, description string, ok bool) {
	var notFound *metadata.MetadataNotFound
	var nonPdf *metadata.NonPdfFileFound
	var invalidSchema *metadata.InvalidEnvelopeSchema
	var ocrParse *metadata.OcrDataParse
	var irregular *envelope.FileNameIrregularities
	var jurisdictionMismatch *envelope.JurisdictionMismatch

	switch {
	case errors.As(cause, &notFound):
		return notify.ErrorCodeMetadataNotFound, cause.Error(), true
	case errors.As(cause, &nonPdf):
		return notify.ErrorCodeNonPdfFileFound, cause.Error(), true
	case errors.As(cause, &invalidSchema):
		return notify.ErrorCodeInvalidEnvelopeSchema, invalidSchema.Report, true
	case errors.As(cause, &ocrParse):
		return notify.ErrorCodeOcrDataParseFailure, cause.Error(), true
	case errors.As(cause, &irregular):
		return notify.ErrorCodeFileNameIrregularity, cause.Error(), true
	case errors.As(cause, &jurisdictionMismatch):
		return notify.ErrorCodeInvalidEnvelopeSchema, cause.Error(), true
	default:
		return "", "", false
	}
}

// handleUnclassified implements the UnclassifiedException path: emit
// DOC_FAILURE, report to Sentry, and deliberately leave the blob in place
// for operator inspection.
func (c *Coordinator) handleUnclassified(ctx context.Context, container, name string, cause error) {
	log.Errorw("unclassified processing failure", "container", container, "file", name, "error", cause)
	telemetry.ReportError(ctx, fmt.Errorf("unclassified ingestion failure for %s/%s: %w", container, name, cause))
	if err := c.store.RecordUnclassifiedFailure(ctx, container, name, cause.Error()); err != nil {
		log.Errorw("recording unclassified failure event failed", "container", container, "file", name, "error", err)
	}
}
