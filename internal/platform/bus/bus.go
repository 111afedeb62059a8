// Package bus carries integration events between services. Delivery is
// at-most-once per subscriber with no persistence; subscribers are expected
// to be idempotent.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Envelope is the wire shape for every integration event.
type Envelope struct {
	EventType     string         `json:"eventType"`
	Data          map[string]any `json:"data,omitempty"`
	UserID        string         `json:"userId,omitempty"`
	TenantID      string         `json:"tenantId,omitempty"`
	CorrelationID string         `json:"correlationId"`
	Timestamp     time.Time      `json:"timestamp"`
}

type Handler func(ctx context.Context, env Envelope)

type Bus interface {
	Publish(ctx context.Context, channel string, env Envelope) error
	Subscribe(channel string, h Handler)
	Close() error
}

// Channel names the integration channel for a publishing service,
// e.g. Channel("auth") == "integration:auth".
func Channel(publisher string) string {
	return "integration:" + publisher
}

const (
	ChannelAuth    = "integration:auth"
	ChannelPayment = "integration:payment"
	ChannelBonus   = "integration:bonus"
)

// Int64 reads a numeric Data field. Envelopes that crossed a JSON boundary
// carry numbers as float64; in-process delivery keeps the original type.
func Int64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case json.Number:
		n, _ := t.Int64()
		return n
	default:
		return 0
	}
}
