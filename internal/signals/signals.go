// Package signals computes independent suspicion sub-scores from a client
// profile and the current request. Each extractor either emits scores in
// [0,1] (higher is more suspicious) or abstains by emitting nothing.
package signals

import (
	"fmt"
	"net/http"

	"github.com/fcaptcha/scrapeguard/internal/profile"
)

// Signal names.
const (
	NameTimingMean   = "timing_mean"
	NameTimingStdDev = "timing_stddev"
	NameEntropy      = "navigation_entropy"
	NameUserAgent    = "user_agent"
	NameCookies      = "no_cookies"
	NameScripting    = "no_scripting"
	NameInteraction  = "low_interaction"
	NameSequential   = "sequential_paths"
	NameReferer      = "referer_mismatch"
)

// Signal is the output of one extractor check.
type Signal struct {
	Name   string
	Score  float64
	Reason string
}

// Request is the per-request input available to extractors.
type Request struct {
	Path      string
	UserAgent string
	Referer   string
	Cookies   bool
	Scripting bool
	Headers   http.Header // nil when the caller has no header view
}

// Thresholds holds the tuning constants used by the extractors.
type Thresholds struct {
	FastMean         float64 // seconds
	ModerateMean     float64
	SlowMean         float64
	RegularStdDev    float64
	LowStdDev        float64
	EntropyThreshold float64 // bits
}

// DefaultThresholds returns the stock tuning values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FastMean:         0.2,
		ModerateMean:     1.0,
		SlowMean:         3.0,
		RegularStdDev:    0.1,
		LowStdDev:        0.5,
		EntropyThreshold: 3.2,
	}
}

// Extractor is one behavioral dimension.
type Extractor struct {
	Name string
	Fn   func(th Thresholds, p *profile.Profile, r Request) []Signal
}

// PanicHandler is told about an extractor that panicked. The remaining
// extractors still run.
type PanicHandler func(extractor string, recovered any)

// Extractors runs a fixed set of extractors.
type Extractors struct {
	th      Thresholds
	list    []Extractor
	onPanic PanicHandler
}

// New returns the stock extractor set.
func New(th Thresholds, onPanic PanicHandler) *Extractors {
	return &Extractors{
		th:      th,
		onPanic: onPanic,
		list: []Extractor{
			{Name: "timing", Fn: Timing},
			{Name: "entropy", Fn: NavigationEntropy},
			{Name: "user_agent", Fn: UserAgent},
			{Name: "capability", Fn: Capability},
			{Name: "interaction", Fn: Interaction},
			{Name: "sequential", Fn: SequentialPaths},
			{Name: "referer", Fn: RefererConsistency},
		},
	}
}

// With returns a copy that also runs extra.
func (e *Extractors) With(extra ...Extractor) *Extractors {
	cp := *e
	cp.list = append(append([]Extractor(nil), e.list...), extra...)
	return &cp
}

// Extract runs every extractor, isolating panics per extractor.
func (e *Extractors) Extract(p *profile.Profile, r Request) []Signal {
	var out []Signal
	for _, ex := range e.list {
		out = append(out, e.run(ex, p, r)...)
	}
	return out
}

func (e *Extractors) run(ex Extractor, p *profile.Profile, r Request) (sigs []Signal) {
	defer func() {
		if rec := recover(); rec != nil {
			sigs = nil
			if e.onPanic != nil {
				e.onPanic(ex.Name, rec)
			}
		}
	}()
	return ex.Fn(e.th, p, r)
}

// Scores flattens signals to their scores.
func Scores(sigs []Signal) []float64 {
	out := make([]float64, 0, len(sigs))
	for _, s := range sigs {
		out = append(out, s.Score)
	}
	return out
}

func signal(name string, score float64, format string, args ...any) []Signal {
	return []Signal{{Name: name, Score: score, Reason: fmt.Sprintf(format, args...)}}
}
