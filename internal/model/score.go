package model

import "time"

// PlatformStatus is the per-platform outcome of a scoring request.
type PlatformStatus string

const (
	PlatformResolved   PlatformStatus = "resolved"
	PlatformUnresolved PlatformStatus = "unresolved"
)

// PlatformResult is the serializable per-platform part of a Score.
type PlatformResult struct {
	PlatformID string         `json:"platform_id"`
	Name       string         `json:"name"`
	Status     PlatformStatus `json:"status"`
	Date       *time.Time     `json:"date,omitempty"`
	Provenance Provenance     `json:"provenance,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Percentile *float64       `json:"percentile,omitempty"`
	Note       string         `json:"note,omitempty"`
}

// Resolved reports whether the platform contributed a percentile.
func (r PlatformResult) Resolved() bool {
	return r.Status == PlatformResolved && r.Percentile != nil
}

// Score is the result of one scoring request. Overall is nil when no platform
// was resolved, which is distinct from a score of zero.
type Score struct {
	ID         string                    `json:"id"`
	UserID     string                    `json:"user_id"`
	Platforms  map[string]PlatformResult `json:"platforms"`
	Overall    *float64                  `json:"overall"`
	Coverage   float64                   `json:"coverage"`
	Resolved   int                       `json:"resolved"`
	Considered int                       `json:"considered"`
	ComputedAt time.Time                 `json:"computed_at"`
}
