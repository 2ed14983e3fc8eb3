package app

import (
	"time"

	"github.com/coffre-fort/coffre/common/environment"
	"github.com/coffre-fort/coffre/internal/coffre/events"
	"github.com/coffre-fort/coffre/internal/coffre/matrix"
	"github.com/coffre-fort/coffre/internal/coffre/notify"
	"github.com/coffre-fort/coffre/internal/coffre/ocr"
)

// LoadConfig reads the service configuration from the environment. Each
// variable may also be given with the COFFRE_ prefix.
func LoadConfig() *Config {
	return &Config{
		KVBackend:     environment.StringOr("KV_BACKEND", BackendRedis),
		RedisURL:      environment.StringOr("REDIS_URL", ""),
		DatabasePath:  environment.StringOr("DATABASE_PATH", "./coffre.db"),
		SweepInterval: environment.DurationOr("KV_SWEEP_INTERVAL", 10*time.Minute),

		RabbitURL:      environment.StringOr("RABBITMQ_URL", ""),
		NotifyExchange: environment.StringOr("OCR_EVENTS_EXCHANGE", notify.DefaultExchange),
		Events: events.Config{
			Exchange: environment.StringOr("DOCUMENT_EVENTS_EXCHANGE", ""),
			Queue:    environment.StringOr("DOCUMENT_EVENTS_QUEUE", ""),
			Prefetch: environment.IntOr("DOCUMENT_EVENTS_PREFETCH", 0),
		},

		Matrix: matrix.Config{
			Homeserver:  environment.StringOr("MATRIX_HOMESERVER", ""),
			UserID:      environment.StringOr("MATRIX_USER_ID", ""),
			AccessToken: environment.StringOr("MATRIX_ACCESS_TOKEN", ""),
		},
		AuditRoomID: environment.StringOr("MATRIX_AUDIT_ROOM", ""),

		DMS: ocr.DMSConfig{
			BaseURL:  environment.StringOr("DMS_URL", ""),
			Username: environment.StringOr("DMS_USERNAME", ""),
			Password: environment.StringOr("DMS_PASSWORD", ""),
			Timeout:  environment.DurationOr("DMS_TIMEOUT", 15*time.Second),
		},
		OCR: ocr.Config{
			Interval:            environment.DurationOr("OCR_POLL_INTERVAL", 5*time.Second),
			ImageAttemptLimit:   environment.IntOr("OCR_IMAGE_ATTEMPTS", 60),
			DefaultAttemptLimit: environment.IntOr("OCR_DEFAULT_ATTEMPTS", 24),
			ProcessingEvery:     environment.IntOr("OCR_PROCESSING_EVERY", 6),
			Concurrency:         environment.IntOr("OCR_CONCURRENCY", 5),
		},

		ACLSyncEnabled: environment.BoolOr("ACL_SYNC_ENABLED", false),
		TemplatesDir:   environment.StringOr("TEMPLATES_DIR", ""),
		HTTPAddr:       environment.StringOr("HTTP_ADDR", ":8080"),
	}
}
