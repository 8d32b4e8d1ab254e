package telemetry

import (
	"context"
	"log"

	"github.com/getsentry/sentry-go"

	"github.com/hmcts/bulk-scan-processor/internal/build"
)

// SetupErrorReporting configures the Sentry SDK for error reporting. Used
// by the Ingestion Coordinator to report UnclassifiedException failures
// that could not be attributed to a known validation/signature class.
func SetupErrorReporting(sentryDSN, environment string) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:           sentryDSN,
		Environment:   environment,
		Release:       build.Version,
		Transport:     sentry.NewHTTPSyncTransport(),
		EnableTracing: false,
	})

	if err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}
}

// ReportError reports an error to Sentry
func ReportError(ctx context.Context, err error) {
	hub := sentry.GetHubFromContext(ctx)
	if hub != nil {
		hub.CaptureException(err)
	} else {
		sentry.CaptureException(err)
	}
}
