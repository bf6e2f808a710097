// Package decision maps a composite score and a profile to an action.
package decision

import (
	"math"
	"time"

	"github.com/fcaptcha/scrapeguard/internal/profile"
)

// Action is the outcome of evaluating one request.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionChallenge Action = "challenge"
	ActionBan       Action = "ban"
	ActionBanned    Action = "banned" // an earlier ban is still active
)

// ChallengeType names a challenge kind.
type ChallengeType string

const (
	ChallengeArithmetic ChallengeType = "arithmetic"
	ChallengeHoneypot   ChallengeType = "honeypot"
	ChallengeCaptcha    ChallengeType = "captcha"
)

// Decision is the result handed to the HTTP layer.
type Decision struct {
	Action        Action        `json:"action"`
	Score         float64       `json:"score"`
	ChallengeType ChallengeType `json:"challengeType,omitempty"`
	BannedUntil   *time.Time    `json:"bannedUntil,omitempty"`
}

// Allowed is the decision for requests that bypass evaluation.
func Allowed() Decision {
	return Decision{Action: ActionAllow}
}

// Allow reports whether the request may proceed. Challenged requests
// proceed; they are only flagged.
func (d Decision) Allow() bool {
	return d.Action == ActionAllow || d.Action == ActionChallenge
}

// ScorePercent returns the score on a 0-100 scale.
func (d Decision) ScorePercent() int {
	return int(math.Round(d.Score * 100))
}

// RetryAfter returns the time left on the ban, rounded up to whole seconds.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.BannedUntil == nil {
		return 0
	}
	left := d.BannedUntil.Sub(now)
	if left <= 0 {
		return 0
	}
	return ((left + time.Second - 1) / time.Second) * time.Second
}

// Engine applies the thresholds.
type Engine struct {
	SuspiciousThreshold float64
	BanThreshold        float64
	BaseBan             time.Duration
}

// Default returns an engine with the stock thresholds.
func Default() *Engine {
	return &Engine{
		SuspiciousThreshold: 0.75,
		BanThreshold:        0.9,
		BaseBan:             10 * time.Minute,
	}
}

// Decide evaluates the states in order: active ban, new ban, challenge,
// allow. A new ban is written to p.
func (e *Engine) Decide(p *profile.Profile, score float64, now time.Time) Decision {
	if p.Banned(now) {
		until := *p.BannedUntil
		return Decision{Action: ActionBanned, Score: score, BannedUntil: &until}
	}

	switch {
	case score >= e.BanThreshold:
		until := now.Add(e.BanDuration(p.TotalRequests))
		p.Ban(until)
		return Decision{Action: ActionBan, Score: score, BannedUntil: &until}
	case score >= e.SuspiciousThreshold:
		return Decision{Action: ActionChallenge, Score: score, ChallengeType: ChallengeFor(score)}
	}
	return Decision{Action: ActionAllow, Score: score}
}

// BanDuration scales the base ban by request volume.
func (e *Engine) BanDuration(totalRequests int64) time.Duration {
	switch {
	case totalRequests > 1000:
		return 24 * e.BaseBan
	case totalRequests > 500:
		return 6 * e.BaseBan
	case totalRequests > 100:
		return 3 * e.BaseBan
	}
	return e.BaseBan
}

// ChallengeFor picks a harder challenge for higher scores.
func ChallengeFor(score float64) ChallengeType {
	switch {
	case score > 0.85:
		return ChallengeCaptcha
	case score > 0.8:
		return ChallengeHoneypot
	}
	return ChallengeArithmetic
}
