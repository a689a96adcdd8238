package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/config"
	"github.com/taskplane/taskplane/internal/common/logger"
)

// HTTPPublisher posts envelopes to a sink URL with bounded retry.
type HTTPPublisher struct {
	sinkURL    string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *logger.Logger
}

// NewHTTPPublisher creates a publisher for the configured sink.
func NewHTTPPublisher(cfg config.EventsConfig, log *logger.Logger) *HTTPPublisher {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &HTTPPublisher{
		sinkURL:    cfg.SinkURL,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		backoff:    time.Second,
		logger:     log.WithFields(zap.String("component", "event_publisher")),
	}
}

// Enabled always returns true for the HTTP publisher.
func (p *HTTPPublisher) Enabled() bool { return true }

// Publish posts the envelope to the sink. Transport errors and 5xx responses
// are retried with exponential backoff up to maxRetries attempts; 4xx
// responses are terminal.
func (p *HTTPPublisher) Publish(ctx context.Context, envelope *Envelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	var lastErr error
	delay := p.backoff
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		status, err := p.post(ctx, body)
		if err != nil {
			lastErr = err
			p.logger.Warn("event sink unreachable",
				zap.String("event_type", envelope.Type),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		switch {
		case status >= 200 && status < 300:
			p.logger.Debug("published event",
				zap.String("event_type", envelope.Type),
				zap.String("event_id", envelope.ID))
			return nil
		case status >= 500:
			lastErr = fmt.Errorf("event sink returned %d", status)
			p.logger.Warn("event sink error",
				zap.String("event_type", envelope.Type),
				zap.Int("status", status),
				zap.Int("attempt", attempt))
		default:
			// 4xx is terminal: the sink rejected the event, retrying the
			// same payload cannot succeed.
			return fmt.Errorf("event sink rejected event with status %d", status)
		}
	}

	return fmt.Errorf("event delivery failed after %d attempts: %w", p.maxRetries, lastErr)
}

func (p *HTTPPublisher) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sinkURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build sink request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	return resp.StatusCode, nil
}
