package model

import "time"

// EvidenceCandidate is a candidate join date for a platform produced by the
// matcher. Candidates live only for the duration of one scoring request.
type EvidenceCandidate struct {
	PlatformID string    `json:"platform_id"`
	Date       time.Time `json:"date"`
	Confidence float64   `json:"confidence"`
	RuleID     string    `json:"rule_id"`
	RuleWeight float64   `json:"rule_weight"`
	Source     string    `json:"source"` // opaque, never message content
}

// PlatformEvidence is the matcher's output for one platform.
type PlatformEvidence struct {
	Platform   Platform
	Candidates []EvidenceCandidate
	Scanned    int
	Err        error
}
