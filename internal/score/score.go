// Package score computes a confidence score from an ordered evidence list.
//
// The policy is deliberately order-sensitive in shape: the first item's base
// score establishes the baseline and every later item's base is added on top
// of the running total. Evidence is always read back in insertion order, so
// the result is deterministic for a given evidence set. Treat the ordering
// rule as a tunable policy, not an accident.
package score

// Evidence is one scored contribution toward a relationship.
type Evidence struct {
	InitialScore float64
	Boosts       []float64
	Penalties    []float64
}

const (
	Min = 0
	Max = 100
)

// Score folds an evidence list into a confidence value in [Min, Max].
// An empty or nil list scores Min, never an error.
func Score(evidence []Evidence) float64 {
	if len(evidence) == 0 {
		return Min
	}
	// First item establishes the baseline.
	total := evidence[0].InitialScore
	total = adjust(total, evidence[0])
	// Later items add their base on top of the running total.
	for _, ev := range evidence[1:] {
		total += ev.InitialScore
		total = adjust(total, ev)
	}
	return clamp(total)
}

func adjust(total float64, ev Evidence) float64 {
	for _, b := range ev.Boosts {
		total += b
	}
	for _, p := range ev.Penalties {
		total -= p
	}
	return total
}

func clamp(v float64) float64 {
	if v < Min {
		return Min
	}
	if v > Max {
		return Max
	}
	return v
}
