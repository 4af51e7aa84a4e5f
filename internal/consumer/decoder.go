package consumer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PostHog/posthog-sub003/internal/bus"
	"github.com/PostHog/posthog-sub003/internal/domain"
)

// ErrMalformedMessage marks payloads that can never be processed. Such
// messages are skipped and logged, never retried.
var ErrMalformedMessage = errors.New("malformed message")

// envelope is the bus-level JSON wrapper; the data field holds the
// JSON-encoded event fields as a string.
type envelope struct {
	UUID       string `json:"uuid"`
	Token      string `json:"token"`
	DistinctID string `json:"distinct_id"`
	IP         string `json:"ip"`
	SiteURL    string `json:"site_url"`
	Now        string `json:"now"`
	SentAt     string `json:"sent_at"`
	Data       string `json:"data"`
}

type eventData struct {
	Event      string                 `json:"event"`
	DistinctID string                 `json:"distinct_id"`
	Properties map[string]interface{} `json:"properties"`
	Timestamp  string                 `json:"timestamp"`
}

// Decoder turns raw bus messages into domain events
type Decoder struct{}

// NewDecoder creates a decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode parses one raw message. Every validation failure wraps
// ErrMalformedMessage so the caller can skip without retrying.
func (d *Decoder) Decode(msg bus.Message) (*domain.Event, error) {
	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return nil, fmt.Errorf("%w: bad envelope: %v", ErrMalformedMessage, err)
	}

	if _, err := uuid.Parse(env.UUID); err != nil {
		return nil, fmt.Errorf("%w: event id %q is not a valid uuid", ErrMalformedMessage, env.UUID)
	}
	if env.Token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrMalformedMessage)
	}

	var data eventData
	if err := json.Unmarshal([]byte(env.Data), &data); err != nil {
		return nil, fmt.Errorf("%w: bad data field: %v", ErrMalformedMessage, err)
	}
	if data.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedMessage)
	}

	distinctID := data.DistinctID
	if distinctID == "" {
		distinctID = env.DistinctID
	}
	if distinctID == "" {
		if v, ok := data.Properties["distinct_id"].(string); ok {
			distinctID = v
		}
	}
	if distinctID == "" {
		return nil, fmt.Errorf("%w: missing distinct id", ErrMalformedMessage)
	}

	props := data.Properties
	if props == nil {
		props = make(map[string]interface{})
	}

	event := &domain.Event{
		UUID:            env.UUID,
		Name:            data.Event,
		DistinctID:      distinctID,
		TenantID:        env.Token,
		Properties:      props,
		ClientIP:        env.IP,
		SiteURL:         env.SiteURL,
		ClientTimestamp: parseTime(data.Timestamp),
		ReceivedAt:      parseTimeOr(env.Now, msg.Timestamp),
		Partition:       msg.Partition,
		Offset:          msg.Offset,
	}
	return event, nil
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimeOr(value string, fallback time.Time) time.Time {
	if t := parseTime(value); !t.IsZero() {
		return t
	}
	return fallback
}
