// Package uploader implements the Document Uploader: the scheduled driver
// that pushes extracted PDFs to the downstream document store and
// advances each envelope's lifecycle on success or transient failure.
package uploader

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v5"
	logging "github.com/ipfs/go-log/v2"

	"github.com/hmcts/bulk-scan-processor/internal/blobgateway"
	"github.com/hmcts/bulk-scan-processor/internal/docstore"
	"github.com/hmcts/bulk-scan-processor/internal/model"
	"github.com/hmcts/bulk-scan-processor/internal/store"
	"github.com/hmcts/bulk-scan-processor/internal/zipsig"
)

var log = logging.Logger("uploader")

// uploadRetryInterval/uploadRetryBudget bound the inline retry of a single
// Upload call within one tick, for document-store blips that clear in a
// few seconds. Failures that outlast the budget still fall through to the
// UPLOAD_FAILURE counter and the next scheduled tick.
const (
	uploadRetryInterval = 2 * time.Second
	uploadRetryBudget   = 6 * time.Second
)

// Uploader is the Document Uploader driver.
type Uploader struct {
	gateway     *blobgateway.Gateway
	verifier    *zipsig.Verifier
	docs        *docstore.Store
	store       *store.Store
	maxFailures int
	leaseTTL    time.Duration
	batchLimit  int
}

// New builds an Uploader. maxFailures bounds the upload-failure counter
// above which an envelope is left for operator attention (default 5).
func New(gw *blobgateway.Gateway, v *zipsig.Verifier, docs *docstore.Store, s *store.Store, maxFailures int, leaseTTL time.Duration) *Uploader {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	return &Uploader{gateway: gw, verifier: v, docs: docs, store: s, maxFailures: maxFailures, leaseTTL: leaseTTL, batchLimit: 25}
}

func (u *Uploader) Name() string { return "document-uploader" }

// Tick processes the current batch of upload candidates, oldest first.
func (u *Uploader) Tick(ctx context.Context) error {
	candidates, err := u.store.FindUploadCandidates(ctx, u.maxFailures, u.batchLimit)
	if err != nil {
		return fmt.Errorf("finding upload candidates: %w", err)
	}
	for _, env := range candidates {
		u.processEnvelope(ctx, env)
	}
	return nil
}

// processEnvelope is the scoped boundary around one envelope's upload
// attempt: a panic anywhere below it is recovered here and routed through
// the same upload-failure path a returned error would take, so it costs
// the envelope a retry tick instead of the scheduler goroutine.
func (u *Uploader) processEnvelope(ctx context.Context, env model.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 4096)
			n := runtime.Stack(stack, false)
			log.Errorw("recovered from panic processing envelope", "envelope_id", env.ID, "panic", r, "stack", string(stack[:n]))
			u.fail(ctx, env, fmt.Sprintf("panic: %v", r))
		}
	}()

	_, err := u.gateway.AcquireLease(ctx, env.Container, env.ZipFileName, u.leaseTTL)
	if err != nil {
		if errors.Is(err, blobgateway.ErrBusy) {
			log.Debugw("archive leased elsewhere, skipping this tick", "envelope_id", env.ID)
			return
		}
		log.Errorw("lease acquisition failed", "envelope_id", env.ID, "error", err)
		return
	}

	body, _, err := u.gateway.OpenRead(ctx, env.Container, env.ZipFileName)
	if err != nil {
		u.fail(ctx, env, fmt.Sprintf("reopening archive: %s", err))
		return
	}
	defer body.Close()

	inner, err := u.verifier.Verify(env.Container, env.ZipFileName, body)
	if err != nil {
		u.fail(ctx, env, fmt.Sprintf("re-verifying archive: %s", err))
		return
	}

	docs, err := extractPdfs(inner)
	if err != nil {
		u.fail(ctx, env, fmt.Sprintf("re-extracting pdfs: %s", err))
		return
	}

	urls, err := backoff.Retry(ctx, func() (map[string]string, error) {
		return u.docs.Upload(ctx, docs)
	}, backoff.WithBackOff(backoff.NewConstantBackOff(uploadRetryInterval)), backoff.WithMaxElapsedTime(uploadRetryBudget))
	if err != nil {
		u.fail(ctx, env, fmt.Sprintf("uploading documents: %s", err))
		return
	}

	for fileName, url := range urls {
		if err := u.store.UpdateScannableItemURL(ctx, env.ID, fileName, url); err != nil {
			log.Errorw("updating scannable item url failed", "envelope_id", env.ID, "file_name", fileName, "error", err)
		}
	}

	if err := u.store.Transition(ctx, env.ID, env.Status, model.EventDocUploaded, ""); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Debugw("lost transition race, another worker already advanced this envelope", "envelope_id", env.ID)
			return
		}
		log.Errorw("transitioning to UPLOADED failed", "envelope_id", env.ID, "error", err)
	}
}

func (u *Uploader) fail(ctx context.Context, env model.Envelope, reason string) {
	log.Warnw("upload attempt failed, will retry next tick", "envelope_id", env.ID, "reason", reason)
	if err := u.store.Transition(ctx, env.ID, env.Status, model.EventDocUploadFailure, reason); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return
		}
		log.Errorw("transitioning to UPLOAD_FAILURE failed", "envelope_id", env.ID, "error", err)
	}
}

// extractPdfs reads every *.pdf entry out of the inner archive into memory.
// Only one envelope's PDFs are held at a time, bounding memory use.
func extractPdfs(r io.Reader) ([]docstore.Document, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, err
	}

	var docs []docstore.Document
	for _, f := range zr.File {
		if f.Name == "metadata.json" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.Name, err)
		}
		docs = append(docs, docstore.Document{
			FileName: f.Name,
			Size:     int64(len(data)),
			Body:     bytes.NewReader(data),
		})
	}
	return docs, nil
}
