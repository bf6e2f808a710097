// Package profile holds the per-client behavioral record and its
// persistence in the key-value store.
package profile

import (
	"math"
	"time"
)

// Profile is the behavioral record for one client identity.
type Profile struct {
	Identity  string `json:"identity"`
	UserAgent string `json:"userAgent"`

	// RequestTimestamps holds inter-request deltas in seconds, oldest first.
	RequestTimestamps []float64 `json:"requestTimestamps"`
	PathsVisited      []string  `json:"pathsVisited"`

	InteractionSignal int64 `json:"interactionSignal"`

	// Derived from the current request only.
	CookiesPresent   bool `json:"cookiesPresent"`
	ScriptingEnabled bool `json:"scriptingEnabled"`

	ChallengeSuccesses int64 `json:"challengeSuccesses"`
	ChallengeFailures  int64 `json:"challengeFailures"`

	LastSeenAt     time.Time  `json:"lastSeenAt"`
	TotalRequests  int64      `json:"totalRequests"`
	SuspicionScore float64    `json:"suspicionScore"`
	BannedUntil    *time.Time `json:"bannedUntil,omitempty"`
}

// Observation is what a single request contributes to a profile.
type Observation struct {
	Path      string
	UserAgent string
	Cookies   bool
	Scripting bool
	At        time.Time
}

// New returns an empty profile for identity.
func New(identity string) *Profile {
	return &Profile{
		Identity:          identity,
		RequestTimestamps: []float64{},
		PathsVisited:      []string{},
	}
}

// Observe folds one request into the profile. The interval since the
// previous request is recorded only when one exists.
func (p *Profile) Observe(obs Observation, window int) {
	if !p.LastSeenAt.IsZero() {
		delta := obs.At.Sub(p.LastSeenAt).Seconds()
		if delta < 0 {
			delta = 0
		}
		p.RequestTimestamps = append(p.RequestTimestamps, delta)
	}
	p.PathsVisited = append(p.PathsVisited, obs.Path)
	p.Trim(window)

	p.UserAgent = obs.UserAgent
	p.CookiesPresent = obs.Cookies
	p.ScriptingEnabled = obs.Scripting
	p.LastSeenAt = obs.At
	p.TotalRequests++
}

// Trim evicts the oldest entries so both sequences fit in window.
func (p *Profile) Trim(window int) {
	if window <= 0 {
		return
	}
	if n := len(p.RequestTimestamps); n > window {
		p.RequestTimestamps = append([]float64(nil), p.RequestTimestamps[n-window:]...)
	}
	if n := len(p.PathsVisited); n > window {
		p.PathsVisited = append([]string(nil), p.PathsVisited[n-window:]...)
	}
}

// Banned reports whether a ban is active at now.
func (p *Profile) Banned(now time.Time) bool {
	return p.BannedUntil != nil && p.BannedUntil.After(now)
}

// Ban sets the ban expiry.
func (p *Profile) Ban(until time.Time) {
	p.BannedUntil = &until
}

// SetScore records the composite score, clamped to [0,1].
func (p *Profile) SetScore(score float64) {
	p.SuspicionScore = clamp(score)
}

// RecordChallenge applies a challenge outcome: the matching counter is
// incremented and the stored score is nudged by 0.2 in the matching
// direction.
func (p *Profile) RecordChallenge(success bool) {
	if success {
		p.ChallengeSuccesses++
		p.SuspicionScore = clamp(p.SuspicionScore - 0.2)
		return
	}
	p.ChallengeFailures++
	p.SuspicionScore = clamp(p.SuspicionScore + 0.2)
}

// AddInteraction adds client-reported activity events. Negative counts are
// ignored and the sum saturates at math.MaxInt64, so the counter never
// decreases.
func (p *Profile) AddInteraction(n int64) {
	if n <= 0 {
		return
	}
	if p.InteractionSignal > math.MaxInt64-n {
		p.InteractionSignal = math.MaxInt64
		return
	}
	p.InteractionSignal += n
}

// LastPaths returns up to n of the most recent paths, oldest first.
func (p *Profile) LastPaths(n int) []string {
	if len(p.PathsVisited) <= n {
		return p.PathsVisited
	}
	return p.PathsVisited[len(p.PathsVisited)-n:]
}

// LastIntervals returns up to n of the most recent intervals, oldest first.
func (p *Profile) LastIntervals(n int) []float64 {
	if len(p.RequestTimestamps) <= n {
		return p.RequestTimestamps
	}
	return p.RequestTimestamps[len(p.RequestTimestamps)-n:]
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
