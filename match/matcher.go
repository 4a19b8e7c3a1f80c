package match

import (
	"context"
	"encoding/json"
	"sort"

	"beaconmarket/beacon"
)

// CandidateSource supplies the beacons considered for a request. The concrete
// implementation is beacon.Registry; it already degrades store failures into
// an empty set.
type CandidateSource interface {
	FindActiveCandidates(ctx context.Context) []beacon.Beacon
}

// Candidate is one ranked result.
type Candidate struct {
	BeaconID     string          `json:"beacon_id"`
	Name         string          `json:"name"`
	Score        int             `json:"score"`
	Capabilities json.RawMessage `json:"capabilities"`
}

// Options tune a single match call.
type Options struct {
	// Limit truncates the ranked list. Non-positive values fall back to the
	// matcher's default.
	Limit int
}

// Matcher ranks active beacons against a request's token set.
type Matcher struct {
	source       CandidateSource
	defaultLimit int
}

func NewMatcher(source CandidateSource, defaultLimit int) *Matcher {
	if defaultLimit <= 0 {
		defaultLimit = 20
	}
	return &Matcher{source: source, defaultLimit: defaultLimit}
}

// Match returns candidates with positive scores, best first. Ties order by
// beacon id so results are stable regardless of storage-layer ordering. A nil
// source or empty token set is a defined no-op, not an error.
func (m *Matcher) Match(ctx context.Context, tokens []string, opts Options) []Candidate {
	if m == nil || m.source == nil || len(tokens) == 0 {
		return nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = m.defaultLimit
	}

	candidates := m.source.FindActiveCandidates(ctx)
	ranked := make([]Candidate, 0, len(candidates))
	for _, b := range candidates {
		score := Score(b, tokens)
		if score <= 0 {
			continue
		}
		ranked = append(ranked, Candidate{
			BeaconID:     b.ID,
			Name:         b.Name,
			Score:        score,
			Capabilities: b.Capabilities,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].BeaconID < ranked[j].BeaconID
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
