// Package ocr tracks documents whose OCR text is still being produced by the
// DMS and tells subscribers when it is ready or has timed out.
//
// Every tracked document moves through started → processing → complete or
// timeout. The Poller owns the set of in-flight tasks in a Registry and
// checks each one on a fixed interval through a StatusProvider; the loop
// stops itself when nothing is left to check.
package ocr

import (
	"strings"
	"time"
)

// Kind selects how long a document is given to produce its text.
type Kind string

const (
	KindImage    Kind = "image"
	KindDocument Kind = "document"
)

// KindFromMIME maps a MIME type to a Kind. Images take longer to OCR than
// documents that already carry a text layer.
func KindFromMIME(mime string) Kind {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(mime)), "image/") {
		return KindImage
	}
	return KindDocument
}

// Task is the bookkeeping for one tracked document.
type Task struct {
	ResourceID   string    `json:"documentId"`
	Attempts     int       `json:"attempts"`
	AttemptLimit int       `json:"attemptLimit"`
	Kind         Kind      `json:"kind"`
	StartedAt    time.Time `json:"startedAt"`

	// gen distinguishes a restarted task from the one it replaced.
	gen uint64
}

// Status is a point-in-time view of the poller.
type Status struct {
	Running             bool   `json:"running"`
	IntervalMs          int64  `json:"intervalMs"`
	ImageAttemptLimit   int    `json:"imageAttemptLimit"`
	DefaultAttemptLimit int    `json:"defaultAttemptLimit"`
	ProcessingEvery     int    `json:"processingEvery"`
	Documents           []Task `json:"documents"`
}

// Config tunes the poller. Zero fields take the defaults below.
type Config struct {
	// Interval between ticks. Default 5s.
	Interval time.Duration
	// ImageAttemptLimit is the number of checks an image gets. Default 60.
	ImageAttemptLimit int
	// DefaultAttemptLimit is the number of checks any other document gets.
	// Default 24.
	DefaultAttemptLimit int
	// ProcessingEvery throttles processing events to the first attempt and
	// every Nth after it. Default 6.
	ProcessingEvery int
	// Concurrency bounds how many documents are checked at once within a
	// tick. Default 5.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.ImageAttemptLimit <= 0 {
		c.ImageAttemptLimit = 60
	}
	if c.DefaultAttemptLimit <= 0 {
		c.DefaultAttemptLimit = 24
	}
	if c.ProcessingEvery <= 0 {
		c.ProcessingEvery = 6
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	return c
}

func (c Config) limitFor(k Kind) int {
	if k == KindImage {
		return c.ImageAttemptLimit
	}
	return c.DefaultAttemptLimit
}
