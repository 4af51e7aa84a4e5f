package domain

import "time"

// Person is the canonical subject identity one or more distinct ids resolve to.
// Distinct ids are append-only: merges union them, nothing ever splits a Person.
type Person struct {
	ID           int64
	TenantID     string
	DistinctIDs  []string
	Properties   map[string]interface{}
	IsIdentified bool
	CreatedAt    time.Time
}

// OwnsDistinctID reports whether the person already owns the given distinct id
func (p *Person) OwnsDistinctID(distinctID string) bool {
	for _, id := range p.DistinctIDs {
		if id == distinctID {
			return true
		}
	}
	return false
}

// ApplySet overwrites properties with explicit values. Returns true if
// anything changed.
func (p *Person) ApplySet(set map[string]interface{}) bool {
	changed := false
	for k, v := range set {
		if cur, ok := p.Properties[k]; !ok || cur != v {
			p.Properties[k] = v
			changed = true
		}
	}
	return changed
}

// ApplySetOnce fills gaps only: an existing key is never overwritten.
// Returns true if anything changed.
func (p *Person) ApplySetOnce(setOnce map[string]interface{}) bool {
	changed := false
	for k, v := range setOnce {
		if _, ok := p.Properties[k]; !ok {
			p.Properties[k] = v
			changed = true
		}
	}
	return changed
}
