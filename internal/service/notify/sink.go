package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"groupbuy/pkg/queue"
)

// Sink delivers one callback payload to a destination
type Sink interface {
	Deliver(ctx context.Context, destination string, payload []byte) error
}

// HTTPSink posts the payload as JSON; the receiver acknowledges with a 2xx
// status and the body "success".
type HTTPSink struct {
	client *http.Client
}

// NewHTTPSink creates an HTTP sink with a per-request timeout
func NewHTTPSink(timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSink{client: &http.Client{Timeout: timeout}}
}

// Deliver implements Sink
func (s *HTTPSink) Deliver(ctx context.Context, destination string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", destination, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return fmt.Errorf("read notify response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify %s: unexpected status %d", destination, resp.StatusCode)
	}
	if !strings.EqualFold(strings.TrimSpace(string(body)), "success") {
		return fmt.Errorf("notify %s: receiver answered %q", destination, strings.TrimSpace(string(body)))
	}
	return nil
}

// MQSink publishes the payload to the destination topic
type MQSink struct {
	mq queue.MessageQueue
}

// NewMQSink creates an MQ sink
func NewMQSink(mq queue.MessageQueue) *MQSink {
	return &MQSink{mq: mq}
}

// Deliver implements Sink
func (s *MQSink) Deliver(ctx context.Context, destination string, payload []byte) error {
	if destination == "" {
		return fmt.Errorf("notify topic is empty")
	}
	return s.mq.Publish(ctx, destination, payload)
}
