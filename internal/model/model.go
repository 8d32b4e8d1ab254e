// Package model holds the envelope/event data model and the state machine
// that governs envelope lifecycle transitions.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an Envelope.
type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusUploaded         Status = "UPLOADED"
	StatusUploadFailure    Status = "UPLOAD_FAILURE"
	StatusProcessed        Status = "PROCESSED"
	StatusNotificationSent Status = "NOTIFICATION_SENT"
	StatusConsumed         Status = "CONSUMED"
	StatusMetadataFailure  Status = "METADATA_FAILURE"
	StatusSignatureFailure Status = "SIGNATURE_FAILURE"
)

// Terminal reports whether no further transition is permitted out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusConsumed, StatusMetadataFailure, StatusSignatureFailure:
		return true
	default:
		return false
	}
}

// Processed reports whether s is one of the statuses eligible for blob
// deletion by the Completion Sweeper (data model invariant (d)).
func (s Status) Processed() bool {
	switch s {
	case StatusProcessed, StatusNotificationSent, StatusConsumed:
		return true
	default:
		return false
	}
}

// EventKind enumerates the append-only ProcessEvent log entries.
type EventKind string

const (
	EventZipFileProcessingStarted     EventKind = "ZIPFILE_PROCESSING_STARTED"
	EventFileValidationFailure        EventKind = "FILE_VALIDATION_FAILURE"
	EventDocSignatureFailure          EventKind = "DOC_SIGNATURE_FAILURE"
	EventDocUploaded                  EventKind = "DOC_UPLOADED"
	EventDocUploadFailure             EventKind = "DOC_UPLOAD_FAILURE"
	EventDocProcessed                 EventKind = "DOC_PROCESSED"
	EventDocProcessedNotificationSent EventKind = "DOC_PROCESSED_NOTIFICATION_SENT"
	EventDocConsumed                  EventKind = "DOC_CONSUMED"
	EventDocFailure                   EventKind = "DOC_FAILURE"
)

// eventStatus is the static, total table from EventKind to the Status it
// induces. Events not present here carry no status change (they are audit
// only, e.g. ZIPFILE_PROCESSING_STARTED).
var eventStatus = map[EventKind]Status{
	EventDocUploaded:                 StatusUploaded,
	EventDocUploadFailure:            StatusUploadFailure,
	EventDocProcessed:                StatusProcessed,
	EventDocProcessedNotificationSent: StatusNotificationSent,
	EventDocConsumed:                 StatusConsumed,
	EventFileValidationFailure:       StatusMetadataFailure,
	EventDocFailure:                  StatusMetadataFailure,
	EventDocSignatureFailure:         StatusSignatureFailure,
}

// StatusFor returns the status induced by kind and whether one exists.
func StatusFor(kind EventKind) (Status, bool) {
	s, ok := eventStatus[kind]
	return s, ok
}

// transitions is the adjacency predicate over Status x Status: the set of
// (from, to) pairs permitted by the state machine in addition to entry
// transitions (from the zero Status) into CREATED or a terminal failure.
var transitions = map[Status]map[Status]bool{
	"": {
		StatusCreated:          true,
		StatusMetadataFailure:  true,
		StatusSignatureFailure: true,
	},
	StatusCreated: {
		StatusUploaded:      true,
		StatusUploadFailure: true,
	},
	StatusUploadFailure: {
		StatusUploaded:      true,
		StatusUploadFailure: true,
	},
	StatusUploaded: {
		StatusProcessed: true,
	},
	StatusProcessed: {
		StatusNotificationSent: true,
	},
	StatusNotificationSent: {
		StatusConsumed: true,
	},
}

// CanTransition reports whether the state machine permits moving an
// envelope currently in from to to.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Envelope is the unit of work: one inbound archive's normalized contents
// and lifecycle state.
type Envelope struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	Container          string    `gorm:"not null;index:idx_envelope_container_zip"`
	Jurisdiction       string    `gorm:"not null"`
	CaseNumber         string
	PoBox              string `gorm:"column:po_box"`
	Classification     string `gorm:"not null"`
	DeliveryDate       time.Time
	OpeningDate        time.Time
	ZipFileCreatedDate time.Time
	ZipFileName        string `gorm:"not null;index:idx_envelope_container_zip"`
	Status             Status `gorm:"not null"`
	UploadFailureCount int    `gorm:"not null;default:0"`
	ZipDeleted         bool   `gorm:"not null;default:false"`
	CreatedAt          time.Time
	CCDID              string
	CCDAction          string

	ScannableItems    []ScannableItem    `gorm:"foreignKey:EnvelopeID;constraint:OnDelete:CASCADE"`
	Payments          []Payment          `gorm:"foreignKey:EnvelopeID;constraint:OnDelete:CASCADE"`
	NonScannableItems []NonScannableItem `gorm:"foreignKey:EnvelopeID;constraint:OnDelete:CASCADE"`
}

// ScannableItem is a per-PDF record belonging to an Envelope.
type ScannableItem struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey"`
	EnvelopeID            uuid.UUID `gorm:"type:uuid;not null;index"`
	DocumentControlNumber string    `gorm:"not null;validate:min=6"`
	FileName              string    `gorm:"not null"`
	ScanningDate          time.Time
	OcrAccuracy           string
	ExceptionRecord       bool
	OcrData               map[string]string `gorm:"serializer:json"`
	DocumentType          string
	DocumentSubType       string
	Notes                 string
	DocumentURL           string
}

// Payment is declared in metadata and carried alongside an Envelope,
// descriptive only from the core pipeline's standpoint.
type Payment struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey"`
	EnvelopeID            uuid.UUID `gorm:"type:uuid;not null;index"`
	DocumentControlNumber string
	Method                string
}

// NonScannableItem is declared in metadata and carried alongside an
// Envelope, descriptive only from the core pipeline's standpoint.
type NonScannableItem struct {
	ID                    uuid.UUID `gorm:"type:uuid;primaryKey"`
	EnvelopeID            uuid.UUID `gorm:"type:uuid;not null;index"`
	DocumentControlNumber string
	ItemType              string
	Notes                 string
}

// ProcessEvent is an append-only audit row. EnvelopeID is nil (NULL) for
// events that precede envelope creation (e.g. validation failures).
type ProcessEvent struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	EnvelopeID  *uuid.UUID `gorm:"type:uuid;index"`
	Container   string     `gorm:"not null"`
	ZipFileName string     `gorm:"not null"`
	EventKind   EventKind  `gorm:"not null"`
	CreatedAt   time.Time  `gorm:"not null;index"`
	Reason      string
}

// NewID returns a fresh random identifier for envelopes and events.
func NewID() uuid.UUID {
	return uuid.New()
}
