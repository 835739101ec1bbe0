package model

import "time"

// Provenance records where a join date came from.
type Provenance string

const (
	ProvenanceVerified Provenance = "verified"
	ProvenanceManual   Provenance = "manual"
)

// JoinDateRecord is the single authoritative join date for a (user, platform).
type JoinDateRecord struct {
	UserID     string     `json:"user_id"`
	PlatformID string     `json:"platform_id"`
	Date       time.Time  `json:"date"`
	Provenance Provenance `json:"provenance"`
	Confidence float64    `json:"confidence"`
	Source     string     `json:"source,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ShouldReplace reports whether incoming may overwrite existing. A verified
// record always wins over a manual one. A manual record never overwrites a
// verified record whose confidence is above threshold.
func ShouldReplace(existing *JoinDateRecord, incoming JoinDateRecord, threshold float64) bool {
	if existing == nil {
		return true
	}
	if incoming.Provenance == ProvenanceManual &&
		existing.Provenance == ProvenanceVerified &&
		existing.Confidence > threshold {
		return false
	}
	return true
}

// Rank is the position of a date within a platform distribution.
type Rank struct {
	Earlier int `json:"earlier"` // strictly earlier dates
	Total   int `json:"total"`
}
