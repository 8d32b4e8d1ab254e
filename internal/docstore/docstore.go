// Package docstore uploads extracted PDFs to the downstream document
// store and returns their durable URLs, adapted from the teacher's minio
// object store wrapping rekeyed from multihash digests to random
// per-document UUIDs.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/minio/minio-go/v7"
)

var log = logging.Logger("docstore")

// ErrNotExist is returned when a requested document is absent.
var ErrNotExist = errors.New("document does not exist")

// Document is one PDF to submit to the document manager.
type Document struct {
	FileName string
	Size     int64
	Body     io.Reader
}

// Store uploads PDFs and reports their durable access URL, constructed as
// "<publicBaseURL>/documents/<objectKey>" per the downstream manager's
// convention.
type Store struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
}

// New opens (creating if absent) the bucket backing the document store.
func New(endpoint, bucket, publicBaseURL string, opts minio.Options) (*Store, error) {
	client, err := minio.New(endpoint, &opts)
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", bucket, err)
		}
	}

	return &Store{client: client, bucket: bucket, publicBaseURL: publicBaseURL}, nil
}

// Upload submits docs one by one (bounded memory: callers hold at most one
// envelope's PDFs at a time) and returns filename -> durable URL.
func (s *Store) Upload(ctx context.Context, docs []Document) (map[string]string, error) {
	urls := make(map[string]string, len(docs))
	for _, doc := range docs {
		key := uuid.NewString()
		log.Debugw("uploading document", "bucket", s.bucket, "key", key, "file_name", doc.FileName, "size", doc.Size)

		_, err := s.client.PutObject(ctx, s.bucket, key, doc.Body, doc.Size, minio.PutObjectOptions{
			ContentType: "application/pdf",
		})
		if err != nil {
			log.Errorw("upload failed", "bucket", s.bucket, "key", key, "error", err)
			return nil, fmt.Errorf("uploading %s: %w", doc.FileName, err)
		}
		urls[doc.FileName] = fmt.Sprintf("%s/documents/%s", s.publicBaseURL, key)
	}
	return urls, nil
}
