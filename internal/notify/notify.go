// Package notify maps classified ingestion failures to outward error
// codes and durably publishes them to the downstream message bus via a
// jobqueue-backed outbox, so a publish failure never loses the message
// just because SQS was briefly unavailable.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/hmcts/bulk-scan-processor/lib/jobqueue"
	"github.com/hmcts/bulk-scan-processor/lib/jobqueue/serializer"
)

var log = logging.Logger("notify")

// ErrorCode is the finite enumeration of outward-facing failure classes.
type ErrorCode string

const (
	ErrorCodeSignatureVerificationFailed ErrorCode = "ERR_SIG_VERIFY_FAILED"
	ErrorCodeMetadataNotFound            ErrorCode = "ERR_METADATA_NOT_FOUND"
	ErrorCodeNonPdfFileFound              ErrorCode = "ERR_NON_PDF_FILE"
	ErrorCodeFileNameIrregularity         ErrorCode = "ERR_FILE_NAME_IRREGULARITY"
	ErrorCodeInvalidEnvelopeSchema        ErrorCode = "ERR_INVALID_ENVELOPE_SCHEMA"
	ErrorCodeOcrDataParseFailure          ErrorCode = "ERR_OCR_DATA_PARSE_FAILED"
)

// Message is the JSON payload published on the notification bus.
type Message struct {
	ID                    string    `json:"id"`
	EventID               string    `json:"event_id"`
	ZipFileName           string    `json:"zip_file_name"`
	Container             string    `json:"container"`
	PoBox                 string    `json:"po_box,omitempty"`
	DocumentControlNumber string    `json:"document_control_number,omitempty"`
	ErrorCode             ErrorCode `json:"error_code"`
	ErrorDescription      string    `json:"error_description"`
	TestOnly              bool      `json:"test_only"`
}

const jobName = "publish-notification"

// Notifier durably queues Messages and publishes them to SQS, logging and
// continuing (never rolling back the persisted event) on bus failure.
type Notifier struct {
	queue *jobqueue.JobQueue[Message]
	sqs   *sqs.Client
	queueURL string
}

// New builds a Notifier backed by db for its durable outbox and cfg for
// the downstream SQS queue.
func New(db *sql.DB, awsCfg aws.Config, sqsQueueURL string) (*Notifier, error) {
	q, err := jobqueue.New[Message]("notifications", db, serializer.JSON[Message]{})
	if err != nil {
		return nil, fmt.Errorf("creating notification outbox: %w", err)
	}
	n := &Notifier{
		queue:    q,
		sqs:      sqs.NewFromConfig(awsCfg),
		queueURL: sqsQueueURL,
	}
	if err := q.Register(jobName, n.publish); err != nil {
		return nil, fmt.Errorf("registering notification publisher: %w", err)
	}
	return n, nil
}

// Start begins draining the outbox.
func (n *Notifier) Start(ctx context.Context) error {
	return n.queue.Start(ctx)
}

// Stop drains in-flight publishes then returns.
func (n *Notifier) Stop(ctx context.Context) error {
	return n.queue.Stop(ctx)
}

// Notify durably enqueues msg for publication; the enqueue itself commits
// against the same database as the triggering event, so it survives a
// process crash between event persistence and bus delivery.
func (n *Notifier) Notify(ctx context.Context, eventID uuid.UUID, container, zipFileName string, code ErrorCode, description string, testOnly bool) error {
	msg := Message{
		ID:               uuid.NewString(),
		EventID:          eventID.String(),
		Container:        container,
		ZipFileName:      zipFileName,
		ErrorCode:        code,
		ErrorDescription: description,
		TestOnly:         testOnly,
	}
	return n.queue.Enqueue(ctx, jobName, msg)
}

func (n *Notifier) publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return jobqueue.NewPermanentError(fmt.Errorf("marshalling notification: %w", err))
	}
	_, err = n.sqs.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		log.Warnw("publishing notification failed, will retry", "error", err, "message_id", msg.ID)
		return fmt.Errorf("sending sqs message: %w", err)
	}
	return nil
}
