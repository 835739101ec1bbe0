// Package scoring converts join-date ranks into percentiles and combines
// per-platform percentiles into an overall adoption score.
package scoring

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/firstmover/internal/model"
)

// Percentile is 100 * Earlier / Total, with an empty distribution ranked 0.
// Only strictly earlier dates count, so users sharing the earliest recorded
// date all get 0. Lower means an earlier adopter.
func Percentile(r model.Rank) float64 {
	if r.Total <= 0 || r.Earlier <= 0 {
		return 0
	}
	p := 100 * float64(r.Earlier) / float64(r.Total)
	return min(p, 100)
}

// Summary is the aggregate over one user's platform results.
type Summary struct {
	// Overall is nil when no platform was resolved.
	Overall    *float64
	Coverage   float64
	Resolved   int
	Considered int
}

// Aggregator computes weighted averages of platform percentiles. It is pure
// and safe for concurrent use.
type Aggregator struct {
	weights map[string]float64
}

// NewAggregator validates per-platform weights. Platforms without an entry
// weigh 1.
func NewAggregator(weights map[string]float64) (*Aggregator, error) {
	if err := ValidateWeights(weights); err != nil {
		return nil, err
	}
	w := make(map[string]float64, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	return &Aggregator{weights: w}, nil
}

// ValidateWeights checks that every configured weight is positive.
func ValidateWeights(weights map[string]float64) error {
	var errs []string
	for id, w := range weights {
		if w <= 0 {
			errs = append(errs, fmt.Sprintf("weight for %s must be positive, got %g", id, w))
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return eris.New("scoring: invalid weights: " + strings.Join(errs, "; "))
	}
	return nil
}

// Weight returns the weight used for a platform.
func (a *Aggregator) Weight(platformID string) float64 {
	if w, ok := a.weights[platformID]; ok {
		return w
	}
	return 1
}

// Aggregate averages the percentiles of resolved results, weighted per
// platform. Coverage is resolved platforms over the whole catalogue; results
// for platforms outside the catalogue are ignored.
func (a *Aggregator) Aggregate(results map[string]model.PlatformResult, platforms []model.Platform) Summary {
	s := Summary{Considered: len(platforms)}

	var sum, total float64
	for _, p := range platforms {
		r, ok := results[p.ID]
		if !ok || !r.Resolved() {
			continue
		}
		w := a.Weight(p.ID)
		sum += w * *r.Percentile
		total += w
		s.Resolved++
	}

	if s.Considered > 0 {
		s.Coverage = float64(s.Resolved) / float64(s.Considered)
	}
	if s.Resolved > 0 && total > 0 {
		overall := sum / total
		s.Overall = &overall
	}
	return s
}
