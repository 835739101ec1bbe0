package evidence

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/firstmover/internal/model"
	"github.com/sells-group/firstmover/pkg/x"
)

// Account lookups report the creation date directly, so they outrank any
// mailbox rule.
const (
	xRuleID     = "x-created-at"
	xConfidence = 0.99
)

var (
	// ErrAccountNotFound means the account lookup found no such user.
	ErrAccountNotFound = eris.New("evidence: account not found")

	// ErrAccountUnavailable means the account API refused the lookup.
	ErrAccountUnavailable = eris.New("evidence: account lookup unavailable")
)

// XAccounts turns the X API's account creation date into verified evidence
// for one platform.
type XAccounts struct {
	client     x.Client
	platformID string
}

// NewXAccounts returns a lookup that yields candidates for platformID.
func NewXAccounts(c x.Client, platformID string) *XAccounts {
	return &XAccounts{client: c, platformID: platformID}
}

// PlatformID is the platform the lookup answers for.
func (a *XAccounts) PlatformID() string { return a.platformID }

// Candidate looks up username and returns its creation date as a candidate.
func (a *XAccounts) Candidate(ctx context.Context, username string) (model.EvidenceCandidate, error) {
	u, err := a.client.UserByUsername(ctx, username)
	if err != nil {
		return model.EvidenceCandidate{}, classifyAccount(err)
	}
	return model.EvidenceCandidate{
		PlatformID: a.platformID,
		Date:       model.Day(u.CreatedAt),
		Confidence: xConfidence,
		RuleID:     xRuleID,
		RuleWeight: xConfidence,
		Source:     "x:created_at/user:" + u.ID,
	}, nil
}

func classifyAccount(err error) error {
	var rl *x.RateLimitError
	switch {
	case errors.Is(err, x.ErrNotFound), errors.Is(err, x.ErrInvalidUsername):
		return eris.Wrap(ErrAccountNotFound, err.Error())
	case errors.Is(err, x.ErrUnauthorized):
		return eris.Wrap(ErrAccountUnavailable, err.Error())
	case errors.As(err, &rl):
		return eris.Wrap(ErrQuotaExceeded, err.Error())
	default:
		return err
	}
}
