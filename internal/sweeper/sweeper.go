// Package sweeper implements the Completion Sweeper: the scheduled driver
// that deletes the source archive for envelopes past their grace period in
// a terminal processed status.
package sweeper

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/hmcts/bulk-scan-processor/internal/blobgateway"
	"github.com/hmcts/bulk-scan-processor/internal/store"
)

var log = logging.Logger("sweeper")

// Sweeper is the Completion Sweeper driver.
type Sweeper struct {
	gateway    *blobgateway.Gateway
	store      *store.Store
	grace      time.Duration
	batchLimit int
}

// New builds a Sweeper. grace is the minimum age, measured from the
// envelope's creation time, that an envelope in a processed status must
// reach before its blob is deleted.
func New(gw *blobgateway.Gateway, s *store.Store, grace time.Duration) *Sweeper {
	return &Sweeper{gateway: gw, store: s, grace: grace, batchLimit: 100}
}

func (s *Sweeper) Name() string { return "completion-sweeper" }

// Tick deletes blobs for every envelope whose grace period has elapsed.
func (s *Sweeper) Tick(ctx context.Context) error {
	cutoff := time.Now().Add(-s.grace)
	candidates, err := s.store.FindSweepCandidates(ctx, cutoff, s.batchLimit)
	if err != nil {
		return fmt.Errorf("finding sweep candidates: %w", err)
	}
	for _, env := range candidates {
		if err := s.gateway.DeleteIfExists(ctx, env.Container, env.ZipFileName); err != nil {
			log.Errorw("deleting archive failed", "envelope_id", env.ID, "error", err)
			continue
		}
		if err := s.store.MarkZipDeleted(ctx, env.ID); err != nil {
			log.Errorw("marking zip deleted failed", "envelope_id", env.ID, "error", err)
		}
	}
	return nil
}
