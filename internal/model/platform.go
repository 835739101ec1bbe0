package model

import "time"

// MatchMode controls how the matcher treats multiple evidence dates.
type MatchMode string

const (
	// MatchWelcome expects a single welcome/confirmation message; several
	// distinct dates are conflicting evidence and lower confidence.
	MatchWelcome MatchMode = "welcome"
	// MatchOldest treats the oldest matching message as the join date (a
	// mailbox's own oldest message); later dates are not conflicts.
	MatchOldest MatchMode = "oldest"
)

// Platform is an online service whose adoption date is estimated.
// Platforms are reference data: loaded once at startup and never mutated.
type Platform struct {
	ID         string    `json:"id" yaml:"id"`
	Name       string    `json:"name" yaml:"name"`
	LaunchDate time.Time `json:"launch_date" yaml:"-"`
	Mode       MatchMode `json:"mode" yaml:"mode"`
	Rules      []Rule    `json:"rules" yaml:"rules"`
}

// Rule is one evidence-matching rule for a platform. A rule matches a message
// when the sender satisfies SenderDomains/SenderAddresses (if any are set) and
// the subject or snippet satisfies SubjectPatterns/Keywords (if any are set).
type Rule struct {
	ID              string   `json:"id" yaml:"id"`
	Weight          float64  `json:"weight" yaml:"weight"`
	SenderDomains   []string `json:"sender_domains,omitempty" yaml:"sender_domains"`
	SenderAddresses []string `json:"sender_addresses,omitempty" yaml:"sender_addresses"`
	SubjectPatterns []string `json:"subject_patterns,omitempty" yaml:"subject_patterns"`
	Keywords        []string `json:"keywords,omitempty" yaml:"keywords"`
}

// ValidWindow reports whether d falls within the platform's operating window,
// [LaunchDate, now].
func (p Platform) ValidWindow(d, now time.Time) bool {
	if d.Before(Day(p.LaunchDate)) {
		return false
	}
	return !d.After(now)
}

// Day truncates t to midnight UTC. Join dates are compared at day resolution.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
