// Package store owns the envelope, scannable-item, payment,
// non-scannable-item, and event tables, enforcing the state machine via
// append-only event insertion paired with the status update in the same
// commit.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hmcts/bulk-scan-processor/internal/model"
)

var log = logging.Logger("store")

// ErrConflict is returned when a concurrent transition won the race for an
// envelope row; the caller observes the updated state and either no-ops or
// errors, per its own policy (data model invariant: exactly one succeeds).
var ErrConflict = errors.New("envelope transition conflict")

// ErrInvalidTransition is returned when the requested status change is not
// permitted by the state machine from the envelope's current status.
var ErrInvalidTransition = errors.New("invalid envelope status transition")

// Store persists envelopes and their event log in PostgreSQL via gorm.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates/updates the schema for all core tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&model.Envelope{},
		&model.ScannableItem{},
		&model.Payment{},
		&model.NonScannableItem{},
		&model.ProcessEvent{},
	)
}

// CreateEnvelope persists a freshly built Envelope (with its child rows) in
// CREATED status together with the ZIPFILE_PROCESSING_STARTED event, in one
// commit.
func (s *Store) CreateEnvelope(ctx context.Context, env *model.Envelope) error {
	env.Status = model.StatusCreated
	env.CreatedAt = time.Now().UTC()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(env).Error; err != nil {
			return fmt.Errorf("creating envelope: %w", err)
		}
		evt := &model.ProcessEvent{
			ID:          model.NewID(),
			EnvelopeID:  &env.ID,
			Container:   env.Container,
			ZipFileName: env.ZipFileName,
			EventKind:   model.EventZipFileProcessingStarted,
			CreatedAt:   time.Now().UTC(),
		}
		if err := tx.Create(evt).Error; err != nil {
			return fmt.Errorf("recording event: %w", err)
		}
		return nil
	})
}

// RecordTerminalFailure records a FILE_VALIDATION_FAILURE or
// DOC_SIGNATURE_FAILURE event with no associated envelope row: terminal
// failure states never create a persisted envelope.
func (s *Store) RecordTerminalFailure(ctx context.Context, container, zipFileName string, kind model.EventKind, reason string) error {
	evt := &model.ProcessEvent{
		ID:          model.NewID(),
		Container:   container,
		ZipFileName: zipFileName,
		EventKind:   kind,
		CreatedAt:   time.Now().UTC(),
		Reason:      reason,
	}
	return s.db.WithContext(ctx).Create(evt).Error
}

// RecordUnclassifiedFailure records a DOC_FAILURE event without touching
// any envelope row, leaving the source blob in place for inspection.
func (s *Store) RecordUnclassifiedFailure(ctx context.Context, container, zipFileName, reason string) error {
	return s.RecordTerminalFailure(ctx, container, zipFileName, model.EventDocFailure, reason)
}

// Transition moves env to the status induced by kind, appending the event
// in the same commit as the status update. The update is conditioned on
// the envelope still being in its last-known status, so a concurrent
// transition loses the race and gets ErrConflict.
func (s *Store) Transition(ctx context.Context, envID uuid.UUID, fromStatus model.Status, kind model.EventKind, reason string) error {
	toStatus, ok := model.StatusFor(kind)
	if !ok {
		return fmt.Errorf("event kind %s induces no status change", kind)
	}
	if !model.CanTransition(fromStatus, toStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, fromStatus, toStatus)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{"status": toStatus}
		if kind == model.EventDocUploadFailure {
			updates["upload_failure_count"] = gorm.Expr("upload_failure_count + 1")
		}

		res := tx.Model(&model.Envelope{}).
			Where("id = ? AND status = ?", envID, fromStatus).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("updating envelope status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		var env model.Envelope
		if err := tx.First(&env, "id = ?", envID).Error; err != nil {
			return fmt.Errorf("reloading envelope: %w", err)
		}

		evt := &model.ProcessEvent{
			ID:          model.NewID(),
			EnvelopeID:  &env.ID,
			Container:   env.Container,
			ZipFileName: env.ZipFileName,
			EventKind:   kind,
			CreatedAt:   time.Now().UTC(),
			Reason:      reason,
		}
		return tx.Create(evt).Error
	})
}

// UpdateScannableItemURL sets the documentUrl for the scannable item with
// the given filename, under envID.
func (s *Store) UpdateScannableItemURL(ctx context.Context, envID uuid.UUID, fileName, url string) error {
	res := s.db.WithContext(ctx).Model(&model.ScannableItem{}).
		Where("envelope_id = ? AND file_name = ?", envID, fileName).
		Update("document_url", url)
	if res.Error != nil {
		return fmt.Errorf("updating scannable item url: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		log.Warnw("no scannable item matched for url update", "envelope_id", envID, "file_name", fileName)
	}
	return nil
}

// FindByContainerAndFilename returns the at-most-one current
// non-superseded envelope for (container, name). Superseded means in a
// terminal failure state, which never persists a row in the first place,
// so any row found here is by construction non-superseded.
func (s *Store) FindByContainerAndFilename(ctx context.Context, container, name string) (*model.Envelope, error) {
	var env model.Envelope
	err := s.db.WithContext(ctx).
		Where("container = ? AND zip_file_name = ?", container, name).
		First(&env).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding envelope by container/filename: %w", err)
	}
	return &env, nil
}

// FindUploadCandidates returns envelopes with status CREATED or
// UPLOAD_FAILURE and upload_failure_count < maxFailures, ordered by
// creation time ascending for FIFO fairness.
func (s *Store) FindUploadCandidates(ctx context.Context, maxFailures int, limit int) ([]model.Envelope, error) {
	var envs []model.Envelope
	q := s.db.WithContext(ctx).
		Preload("ScannableItems").
		Where("status IN ? AND upload_failure_count < ?",
			[]model.Status{model.StatusCreated, model.StatusUploadFailure}, maxFailures).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&envs).Error; err != nil {
		return nil, fmt.Errorf("finding upload candidates: %w", err)
	}
	return envs, nil
}

// FindSweepCandidates returns envelopes in a processed status, not yet
// zip-deleted, created before cutoff (the grace period boundary).
func (s *Store) FindSweepCandidates(ctx context.Context, cutoff time.Time, limit int) ([]model.Envelope, error) {
	var envs []model.Envelope
	q := s.db.WithContext(ctx).
		Where("status IN ? AND zip_deleted = false AND created_at < ?",
			[]model.Status{model.StatusProcessed, model.StatusNotificationSent, model.StatusConsumed}, cutoff).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&envs).Error; err != nil {
		return nil, fmt.Errorf("finding sweep candidates: %w", err)
	}
	return envs, nil
}

// MarkZipDeleted sets zipDeleted=true for env, provided its status is still
// one of the processed statuses (invariant (d)).
func (s *Store) MarkZipDeleted(ctx context.Context, envID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&model.Envelope{}).
		Where("id = ? AND status IN ?", envID,
			[]model.Status{model.StatusProcessed, model.StatusNotificationSent, model.StatusConsumed}).
		Update("zip_deleted", true)
	if res.Error != nil {
		return fmt.Errorf("marking zip deleted: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("envelope %s not in a processed status, refusing to mark zip deleted", envID)
	}
	return nil
}
