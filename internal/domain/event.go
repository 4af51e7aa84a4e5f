package domain

import "time"

// Event is a decoded analytics event pulled off the bus
type Event struct {
	UUID            string
	Name            string
	DistinctID      string
	TenantID        string
	Properties      map[string]interface{}
	ClientIP        string
	SiteURL         string
	ClientTimestamp time.Time
	ReceivedAt      time.Time
	Partition       int32
	Offset          int64
}

// Event names that carry an identity link
const (
	EventIdentify    = "$identify"
	EventCreateAlias = "$create_alias"
)

// IdentityLink is a pending instruction tying a previous distinct id to the
// current one. Extracted from identify/alias events, consumed during resolution.
type IdentityLink struct {
	PreviousID string
	CurrentID  string
}

// Link extracts the identity link carried by this event, if any
func (e *Event) Link() *IdentityLink {
	switch e.Name {
	case EventIdentify:
		prev, ok := e.Properties["$anon_distinct_id"].(string)
		if !ok || prev == "" || prev == e.DistinctID {
			return nil
		}
		return &IdentityLink{PreviousID: prev, CurrentID: e.DistinctID}
	case EventCreateAlias:
		alias, ok := e.Properties["alias"].(string)
		if !ok || alias == "" || alias == e.DistinctID {
			return nil
		}
		return &IdentityLink{PreviousID: alias, CurrentID: e.DistinctID}
	}
	return nil
}

// Set returns the explicit $set property map on the event, or nil
func (e *Event) Set() map[string]interface{} {
	m, _ := e.Properties["$set"].(map[string]interface{})
	return m
}

// SetOnce returns the $set_once property map on the event, or nil
func (e *Event) SetOnce() map[string]interface{} {
	m, _ := e.Properties["$set_once"].(map[string]interface{})
	return m
}
