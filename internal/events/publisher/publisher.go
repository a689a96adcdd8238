// Package publisher delivers structured event envelopes to an external HTTP
// sink. It is the alternate delivery route for tasks bound to dynamically
// spawned per-session workers.
package publisher

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SpecVersion is the envelope format version written on every event.
const SpecVersion = "1.0"

// Envelope is the outbound event format. It carries a minimal set of
// attributes plus a JSON body; unknown consumers ignore attributes they do
// not understand.
type Envelope struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	SessionID   string                 `json:"sessionid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewEnvelope builds an envelope with a fresh ID and the current time.
func NewEnvelope(eventType, source, sessionID string, data map[string]interface{}) *Envelope {
	return &Envelope{
		SpecVersion: SpecVersion,
		Type:        eventType,
		Source:      source,
		ID:          uuid.New().String(),
		Time:        time.Now().UTC(),
		SessionID:   sessionID,
		Data:        data,
	}
}

// Publisher sends envelopes to the configured sink.
type Publisher interface {
	// Publish delivers one envelope. Implementations retry transient sink
	// failures with bounded backoff; a returned error means delivery has
	// definitively failed.
	Publish(ctx context.Context, envelope *Envelope) error

	// Enabled reports whether publishing has a real sink behind it.
	Enabled() bool
}
