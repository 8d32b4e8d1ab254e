package sweeper_test

import (
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/require"

	"github.com/hmcts/bulk-scan-processor/internal/blobgateway"
	"github.com/hmcts/bulk-scan-processor/internal/sweeper"
)

func TestNameIdentifiesDriver(t *testing.T) {
	gw := blobgateway.New(aws.Config{}, []string{"bulkscan"}, "leases")
	s := sweeper.New(gw, nil, time.Hour)
	require.Equal(t, "completion-sweeper", s.Name())
}
