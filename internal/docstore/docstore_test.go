package docstore_test

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/require"

	"github.com/hmcts/bulk-scan-processor/internal/docstore"
)

// newTestStore opens a Store against BSP_TEST_MINIO_ENDPOINT, skipping the
// test entirely when it is not set (these are integration tests; no
// in-process S3-compatible fake is grounded anywhere in the pack).
func newTestStore(t *testing.T) *docstore.Store {
	t.Helper()
	endpoint := os.Getenv("BSP_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("BSP_TEST_MINIO_ENDPOINT not set, skipping docstore integration test")
	}
	bucket := "bulk-scan-documents-test-" + uuid.NewString()
	s, err := docstore.New(endpoint, bucket, "http://localhost:8080", minio.Options{
		Creds: credentials.NewStaticV4(
			os.Getenv("BSP_TEST_MINIO_ACCESS_KEY"),
			os.Getenv("BSP_TEST_MINIO_SECRET_KEY"),
			""),
		Secure: false,
	})
	require.NoError(t, err)
	return s
}

func TestUploadReturnsUUIDKeyedPublicURL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	urls, err := s.Upload(ctx, []docstore.Document{
		{FileName: "1111002.pdf", Size: int64(len("content")), Body: bytes.NewReader([]byte("content"))},
	})
	require.NoError(t, err)

	url, ok := urls["1111002.pdf"]
	require.True(t, ok)
	require.Contains(t, url, "http://localhost:8080/documents/")
	require.NotContains(t, url, "1111002.pdf")
}
