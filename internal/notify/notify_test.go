package notify_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hmcts/bulk-scan-processor/internal/notify"
)

func TestMessageJSONShape(t *testing.T) {
	msg := notify.Message{
		ID:               "1",
		EventID:          "2",
		Container:        "bulkscan",
		ZipFileName:      "1_24-06-2018-00-00-00.zip",
		ErrorCode:        notify.ErrorCodeMetadataNotFound,
		ErrorDescription: "metadata.json not found",
		TestOnly:         true,
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "bulkscan", decoded["container"])
	require.Equal(t, string(notify.ErrorCodeMetadataNotFound), decoded["error_code"])
	require.Equal(t, true, decoded["test_only"])
	require.NotContains(t, decoded, "po_box")
	require.NotContains(t, decoded, "document_control_number")
}

// newTestNotifier opens a Notifier's outbox against BSP_TEST_POSTGRES_DSN,
// skipping the test entirely when it is not set.
func newTestNotifier(t *testing.T) (*notify.Notifier, *sql.DB) {
	t.Helper()
	dsn := os.Getenv("BSP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BSP_TEST_POSTGRES_DSN not set, skipping notify integration test")
	}
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)

	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	require.NoError(t, err)

	n, err := notify.New(db, cfg, "http://localhost:4566/000000000000/notifications-test")
	require.NoError(t, err)
	return n, db
}

func TestNotifyEnqueuesDurably(t *testing.T) {
	n, db := newTestNotifier(t)
	defer db.Close()
	ctx := context.Background()
	require.NoError(t, n.Start(ctx))
	defer n.Stop(ctx)

	err := n.Notify(ctx, uuid.New(), "bulkscan", "1_24-06-2018-00-00-00.zip", notify.ErrorCodeFileNameIrregularity, "Missing PDFs: 1111002.pdf", false)
	require.NoError(t, err)
}
