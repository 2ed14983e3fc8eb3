// Package events consumes document lifecycle events from RabbitMQ and turns
// them into readiness tracking: an uploaded document starts OCR polling, a
// deleted one stops it.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Routing keys handled by the consumer.
const (
	RoutingDocumentCreated = "document.created"
	RoutingDocumentDeleted = "document.deleted"
)

// ID accepts both JSON strings and numbers; the DMS emits numeric ids.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("document id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// DocumentEvent is the body of document.* messages.
type DocumentEvent struct {
	DocumentID ID        `json:"documentId"`
	MimeType   string    `json:"mimeType,omitempty"`
	FileName   string    `json:"fileName,omitempty"`
	OwnerID    string    `json:"ownerId,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// errMalformed marks messages that will never process and must not be
// requeued.
var errMalformed = errors.New("malformed event")

func decode(body []byte) (*DocumentEvent, error) {
	var evt DocumentEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if evt.DocumentID == "" {
		return nil, fmt.Errorf("%w: empty document id", errMalformed)
	}
	return &evt, nil
}
