package blobgateway_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hmcts/bulk-scan-processor/internal/blobgateway"
)

func TestListContainersReturnsConfiguredSet(t *testing.T) {
	// New only constructs SDK clients, it makes no network calls, so a
	// zero-value aws.Config is enough for this test.
	gw := blobgateway.New(aws.Config{}, []string{"bulkscan", "probate"}, "leases")
	require.Equal(t, []string{"bulkscan", "probate"}, gw.ListContainers())
}

// newTestGateway builds a Gateway against a real (localstack-compatible)
// endpoint named by BSP_TEST_AWS_ENDPOINT, skipping the test entirely when
// it is not set (these are integration tests; no in-process S3/DynamoDB
// fake is grounded anywhere in the pack).
func newTestGateway(t *testing.T, container string) *blobgateway.Gateway {
	t.Helper()
	endpoint := os.Getenv("BSP_TEST_AWS_ENDPOINT")
	if endpoint == "" {
		t.Skip("BSP_TEST_AWS_ENDPOINT not set, skipping blobgateway integration test")
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	require.NoError(t, err)

	return blobgateway.New(cfg, []string{container}, "bulk-scan-leases", func(o *s3.Options) {
		o.BaseEndpoint = &endpoint
		o.UsePathStyle = true
	})
}

func TestAcquireLeaseThenBusyThenExpire(t *testing.T) {
	gw := newTestGateway(t, "bulkscan")
	ctx := context.Background()
	name := uuid.NewString() + ".zip"

	token, err := gw.AcquireLease(ctx, "bulkscan", name, 200*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = gw.AcquireLease(ctx, "bulkscan", name, time.Minute)
	require.True(t, errors.Is(err, blobgateway.ErrBusy))

	time.Sleep(300 * time.Millisecond)
	_, err = gw.AcquireLease(ctx, "bulkscan", name, time.Minute)
	require.NoError(t, err)
}

func TestOpenReadMissingArchive(t *testing.T) {
	gw := newTestGateway(t, "bulkscan")
	ctx := context.Background()

	_, _, err := gw.OpenRead(ctx, "bulkscan", "does-not-exist.zip")
	require.True(t, errors.Is(err, blobgateway.ErrNotFound))
}
