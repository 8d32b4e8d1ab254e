package main

import (
	"context"

	"github.com/hmcts/bulk-scan-processor/cmd/ingestor"
)

func main() {
	ingestor.ExecuteContext(context.Background())
}
