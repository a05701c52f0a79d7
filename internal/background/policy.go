package background

import (
	"fmt"
	"strconv"
	"strings"
)

// Policy is a background-candidate selection strategy.
type Policy int

const (
	// NearestMostCloudy takes the nearest earlier candidates, falling back
	// to later ones, then orders them most cloudy first.
	NearestMostCloudy Policy = iota + 1
	// CloudCoverFiltered keeps candidates whose published cloud cover is
	// above ThresholdCC, then behaves like NearestMostCloudy.
	CloudCoverFiltered
	// GloballyLeastCloudy ignores time and keeps the least cloudy candidates.
	GloballyLeastCloudy
	// PreselectLeastCloudy keeps the least cloudy of the NumberPreselect
	// nearest candidates.
	PreselectLeastCloudy
	// PreselectMostCloudy keeps the most cloudy of the NumberPreselect
	// nearest candidates.
	PreselectMostCloudy
	// HeuristicTree1 to HeuristicTree3 rank candidates by the cloud fraction
	// a decision tree estimates inside the region of interest.
	HeuristicTree1
	HeuristicTree2
	HeuristicTree3
	// NearestLeastCloudy is NearestMostCloudy ordered least cloudy first.
	// It has no legacy number.
	NearestLeastCloudy
)

var policyNames = map[Policy]string{
	NearestMostCloudy:    "nearest-most-cloudy",
	CloudCoverFiltered:   "cloud-cover-filtered",
	GloballyLeastCloudy:  "globally-least-cloudy",
	PreselectLeastCloudy: "preselect-least-cloudy",
	PreselectMostCloudy:  "preselect-most-cloudy",
	HeuristicTree1:       "heuristic-tree1",
	HeuristicTree2:       "heuristic-tree2",
	HeuristicTree3:       "heuristic-tree3",
	NearestLeastCloudy:   "nearest-least-cloudy",
}

// numbered is the legacy numeric table used by configuration files and
// method names such as "percentile5".
var numbered = []Policy{
	1: NearestMostCloudy,
	2: CloudCoverFiltered,
	3: GloballyLeastCloudy,
	4: PreselectLeastCloudy,
	5: PreselectMostCloudy,
	6: HeuristicTree1,
	7: HeuristicTree2,
	8: HeuristicTree3,
}

func (p Policy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// Valid reports whether p is one of the defined policies.
func (p Policy) Valid() bool {
	_, ok := policyNames[p]
	return ok
}

// Number returns the legacy policy number, or 0 for policies without one.
func (p Policy) Number() int {
	for n, q := range numbered {
		if q == p && n > 0 {
			return n
		}
	}
	return 0
}

// Tree returns the decision-tree name a heuristic policy ranks with.
func (p Policy) Tree() (string, bool) {
	switch p {
	case HeuristicTree1:
		return "tree1", true
	case HeuristicTree2:
		return "tree2", true
	case HeuristicTree3:
		return "tree3", true
	}
	return "", false
}

// PolicyFromNumber maps a legacy policy number (1-8) to its policy.
func PolicyFromNumber(n int) (Policy, error) {
	if n < 1 || n >= len(numbered) {
		return 0, fmt.Errorf("unknown background policy number %d", n)
	}
	return numbered[n], nil
}

// ParsePolicy accepts a policy name or a legacy number.
func ParsePolicy(s string) (Policy, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if n, err := strconv.Atoi(s); err == nil {
		return PolicyFromNumber(n)
	}
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown background policy %q", s)
}
