package publisher

import "context"

// NoopPublisher is used when outbound events are disabled. Publish succeeds
// without side effects so callers need no special casing; Enabled lets the
// dispatch path avoid selecting the event route for delivery.
type NoopPublisher struct{}

// NewNoopPublisher creates a disabled publisher.
func NewNoopPublisher() *NoopPublisher { return &NoopPublisher{} }

// Publish is a no-op returning success.
func (p *NoopPublisher) Publish(ctx context.Context, envelope *Envelope) error { return nil }

// Enabled always returns false.
func (p *NoopPublisher) Enabled() bool { return false }
