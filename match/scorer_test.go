package match

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"beaconmarket/beacon"
)

func activeBeacon(capabilities string) beacon.Beacon {
	return beacon.Beacon{
		ID:           "b-active",
		Name:         "Active Supplier",
		Status:       beacon.StatusActive,
		Capabilities: json.RawMessage(capabilities),
	}
}

func TestScoreBounds(t *testing.T) {
	cases := []struct {
		name   string
		b      beacon.Beacon
		tokens []string
		want   int
	}{
		{"inactive no match", beacon.Beacon{Status: beacon.StatusInactive}, nil, 0},
		{"active no match", beacon.Beacon{Status: beacon.StatusActive}, nil, 20},
		{"active nil capabilities with tokens", beacon.Beacon{Status: beacon.StatusActive}, []string{"widgets"}, 20},
		{"inactive nil capabilities with tokens", beacon.Beacon{Status: beacon.StatusInactive}, []string{"widgets"}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Score(tc.b, tc.tokens)
			assert.Equal(t, tc.want, got)
			assert.GreaterOrEqual(t, got, 0)
			assert.LessOrEqual(t, got, 100)
		})
	}
}

func TestScoreKeywordCap(t *testing.T) {
	b := activeBeacon(`{"products":["a","b","c","d","e","f","g"]}`)
	got := Score(b, []string{"a", "b", "c", "d", "e", "f", "g"})
	assert.Equal(t, 80, got, "keyword portion must cap at 60 on top of the active base")
}

func TestScoreDuplicateTokensCountOnce(t *testing.T) {
	b := activeBeacon(`{"products":["widgets"]}`)
	assert.Equal(t, Score(b, []string{"widgets"}), Score(b, []string{"widgets", "widgets", "WIDGETS"}))
}

func TestScoreCapabilityOverlapOutranksMiss(t *testing.T) {
	tokens := []string{"500", "red", "widgets"}
	overlap := activeBeacon(`{"products":["widgets","gadgets"]}`)
	miss := activeBeacon(`{"products":["laptops"]}`)

	assert.Greater(t, Score(overlap, tokens), Score(miss, tokens))
}

func TestScoreActiveOutranksInactiveForSameMatch(t *testing.T) {
	tokens := []string{"widgets"}
	active := activeBeacon(`{"products":["widgets"]}`)
	inactive := active
	inactive.Status = beacon.StatusInactive

	assert.Greater(t, Score(active, tokens), Score(inactive, tokens))
	assert.Positive(t, Score(inactive, tokens), "inactive beacons still accrue keyword score")
}

func TestScoreToleratesHostileCapabilityShapes(t *testing.T) {
	shapes := []string{
		`null`,
		`42`,
		`true`,
		`"plain widgets text"`,
		`["widgets", 7, null, {"name":"gadgets"}]`,
		`{"products":{"nested":"widgets"}}`,
		`{"unrelated":"widgets"}`,
		`{not json`,
	}
	for _, shape := range shapes {
		b := activeBeacon(shape)
		got := Score(b, []string{"widgets"})
		assert.GreaterOrEqual(t, got, 0, "shape %s", shape)
		assert.LessOrEqual(t, got, 100, "shape %s", shape)
	}
}
