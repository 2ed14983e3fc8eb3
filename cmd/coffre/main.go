// Command coffre runs the access grant service and the OCR readiness poller.
//
// Configuration comes from the environment (each name may carry a COFFRE_
// prefix):
//
//	KV_BACKEND            - "redis" (default), "sqlite" or "memory"
//	REDIS_URL             - redis:// URL, required for the redis backend
//	DATABASE_PATH         - SQLite file for the sqlite backend (default ./coffre.db)
//	RABBITMQ_URL          - enables OCR notifications and document events
//	MATRIX_HOMESERVER, MATRIX_USER_ID, MATRIX_ACCESS_TOKEN, MATRIX_AUDIT_ROOM
//	DMS_URL, DMS_USERNAME, DMS_PASSWORD
//	OCR_POLL_INTERVAL, OCR_IMAGE_ATTEMPTS, OCR_DEFAULT_ATTEMPTS,
//	OCR_PROCESSING_EVERY, OCR_CONCURRENCY
//	ACL_SYNC_ENABLED      - trigger a DMS ACL sync after every grant change
//	TEMPLATES_DIR         - directory of template seed YAML files
//	HTTP_ADDR             - health/status/metrics listener (default :8080)
//	LOG_LEVEL             - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT            - "text" (default) or "json"
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coffre-fort/coffre/common/environment"
	"github.com/coffre-fort/coffre/common/version"
	"github.com/coffre-fort/coffre/internal/coffre/app"
)

func main() {
	app.SetupLogging(environment.StringOr("LOG_LEVEL", "info"), environment.StringOr("LOG_FORMAT", "text"))
	slog.Info("starting", "version", version.Info())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coffre, err := app.New(ctx, app.LoadConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize coffre: %v\n", err)
		os.Exit(1)
	}
	defer coffre.Stop()

	if err := coffre.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running coffre: %v\n", err)
		coffre.Stop()
		os.Exit(1)
	}
}
