package match

import (
	"strings"

	"beaconmarket/beacon"
)

const (
	activeBaseScore = 20
	pointsPerToken  = 15
	keywordScoreCap = 60
	totalScoreCap   = 100
)

// Score rates one beacon against a request's token set on a 0..100 scale.
// Active status earns a flat base; each distinct request token found in the
// indexed capability text earns keyword points up to the keyword cap. The
// base is what lets active beacons consistently outrank inactive ones for
// the same capability overlap.
func Score(b beacon.Beacon, tokens []string) int {
	score := 0
	if b.Status == beacon.StatusActive {
		score += activeBaseScore
	}

	indexed := beacon.IndexCapabilities(b.Capabilities)
	if indexed != "" && len(tokens) > 0 {
		keyword := 0
		seen := make(map[string]struct{}, len(tokens))
		for _, tok := range tokens {
			tok = strings.ToLower(strings.TrimSpace(tok))
			if tok == "" {
				continue
			}
			if _, dup := seen[tok]; dup {
				continue
			}
			seen[tok] = struct{}{}
			if strings.Contains(indexed, tok) {
				keyword += pointsPerToken
			}
		}
		if keyword > keywordScoreCap {
			keyword = keywordScoreCap
		}
		score += keyword
	}

	if score > totalScoreCap {
		score = totalScoreCap
	}
	return score
}
