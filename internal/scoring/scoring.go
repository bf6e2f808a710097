// Package scoring combines signal scores into one composite suspicion
// score.
package scoring

import (
	"math"
	"sort"
)

// Weights are the rank-combination constants.
type Weights struct {
	Top        float64 // highest score, three or more signals
	Second     float64
	Rest       float64 // applied to the mean of the remaining scores
	PairTop    float64 // exactly two signals
	PairSecond float64
	Default    float64 // no signals at all
	History    float64 // maximum boost from failed challenges
}

// DefaultWeights returns the stock weights.
func DefaultWeights() Weights {
	return Weights{
		Top:        0.5,
		Second:     0.3,
		Rest:       0.2,
		PairTop:    0.6,
		PairSecond: 0.4,
		Default:    0.1,
		History:    0.3,
	}
}

// Aggregator combines scores with a fixed set of weights.
type Aggregator struct {
	w Weights
}

func New(w Weights) *Aggregator {
	return &Aggregator{w: w}
}

// Aggregate ranks scores descending and weights them by position, so one
// strong signal dominates while the rest only nudge. The input is not
// modified.
func (a *Aggregator) Aggregate(scores []float64) float64 {
	if len(scores) == 0 {
		return clamp(a.w.Default)
	}

	ranked := append([]float64(nil), scores...)
	sort.Sort(sort.Reverse(sort.Float64Slice(ranked)))

	switch len(ranked) {
	case 1:
		return clamp(ranked[0])
	case 2:
		return clamp(a.w.PairTop*ranked[0] + a.w.PairSecond*ranked[1])
	}

	var rest float64
	for _, s := range ranked[2:] {
		rest += s
	}
	rest /= float64(len(ranked) - 2)

	return clamp(a.w.Top*ranked[0] + a.w.Second*ranked[1] + a.w.Rest*rest)
}

// Adjust raises score by the client's challenge failure ratio.
func (a *Aggregator) Adjust(score float64, successes, failures int64) float64 {
	if failures <= 0 {
		return clamp(score)
	}
	factor := math.Min(float64(failures)/float64(successes+1), 1.0)
	return clamp(score + factor*a.w.History)
}

// Score is Aggregate followed by Adjust.
func (a *Aggregator) Score(scores []float64, successes, failures int64) float64 {
	return a.Adjust(a.Aggregate(scores), successes, failures)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
