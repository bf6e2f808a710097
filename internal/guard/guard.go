// Package guard is the request interceptor: it folds each request into the
// client's profile, scores it and decides whether it may proceed. It also
// serves the challenge and activity endpoints.
package guard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fcaptcha/scrapeguard/internal/challenge"
	"github.com/fcaptcha/scrapeguard/internal/decision"
	"github.com/fcaptcha/scrapeguard/internal/logging"
	"github.com/fcaptcha/scrapeguard/internal/metrics"
	"github.com/fcaptcha/scrapeguard/internal/profile"
	"github.com/fcaptcha/scrapeguard/internal/scoring"
	"github.com/fcaptcha/scrapeguard/internal/signals"
)

const (
	HeaderChallenge = "X-Challenge-Required"
	HeaderScore     = "X-Suspicion-Score"
	HeaderScripting = "X-JS-Enabled"
	CookieScripting = "js_enabled"
)

// Request is the per-request input of Evaluate.
type Request struct {
	Identity  string
	Path      string
	UserAgent string
	Referer   string
	Cookies   bool
	Scripting bool
	Headers   http.Header
}

// Options configures a Guard.
type Options struct {
	Thresholds      signals.Thresholds
	Weights         scoring.Weights
	Engine          *decision.Engine
	ExcludedPaths   []string
	Whitelist       []string
	HighValuePaths  []string
	DisclosureDelay time.Duration
	IssueRate       float64 // challenges per second per identity
	IssueBurst      int

	// Opt-in extractors on top of the stock set.
	HeaderSignals     bool
	DatacenterSignals bool
	TrustProxy        bool // forwarding headers are expected, not suspicious

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Guard wires the profile store, extractors, aggregator, decision engine
// and challenge service together.
type Guard struct {
	profiles   *profile.Store
	challenges *challenge.Service
	extractors *signals.Extractors
	aggregator *scoring.Aggregator
	engine     *decision.Engine
	access     *Access
	limiter    *IssueLimiter
	delay      time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(profiles *profile.Store, challenges *challenge.Service, opts Options) *Guard {
	if opts.Thresholds == (signals.Thresholds{}) {
		opts.Thresholds = signals.DefaultThresholds()
	}
	if opts.Weights == (scoring.Weights{}) {
		opts.Weights = scoring.DefaultWeights()
	}
	if opts.Engine == nil {
		opts.Engine = decision.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("guard")
	}

	g := &Guard{
		profiles:   profiles,
		challenges: challenges,
		aggregator: scoring.New(opts.Weights),
		engine:     opts.Engine,
		access:     NewAccess(opts.ExcludedPaths, opts.Whitelist, opts.HighValuePaths),
		limiter:    NewIssueLimiter(opts.IssueRate, opts.IssueBurst, 0),
		delay:      opts.DisclosureDelay,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        time.Now,
		sleep:      sleepContext,
	}

	var extra []signals.Extractor
	if opts.HeaderSignals {
		extra = append(extra, signals.HeaderExtractor(opts.TrustProxy))
	}
	if opts.DatacenterSignals {
		extra = append(extra, signals.DatacenterExtractor())
	}
	g.extractors = signals.New(opts.Thresholds, g.onExtractorPanic).With(extra...)
	return g
}

// Close releases the issuance limiter.
func (g *Guard) Close() {
	g.limiter.Close()
}

func (g *Guard) onExtractorPanic(name string, rec any) {
	g.metrics.IncSignalPanic(name)
	g.logger.Error("signal extractor panicked", "signal", name, "panic", rec)
}

// Bypass reports whether a request skips evaluation entirely.
func (g *Guard) Bypass(identity, path string) bool {
	return g.access.Excluded(path) || g.access.Whitelisted(identity)
}

// Evaluate runs the full pipeline for one request and persists the updated
// profile. It never fails: any panic below it yields an allow decision.
func (g *Guard) Evaluate(ctx context.Context, req Request) (d decision.Decision) {
	if g.Bypass(req.Identity, req.Path) {
		return decision.Allowed()
	}

	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("evaluation panicked, allowing request",
				"identity", req.Identity, "path", req.Path, "panic", rec)
			d = decision.Allowed()
		}
	}()

	now := g.now()
	p := g.profiles.Load(ctx, req.Identity)

	// An active ban short-circuits scoring and leaves the profile untouched.
	if p.Banned(now) {
		d = g.engine.Decide(p, p.SuspicionScore, now)
		g.metrics.ObserveDecision(string(d.Action), d.Score)
		return d
	}

	p.Observe(profile.Observation{
		Path:      req.Path,
		UserAgent: req.UserAgent,
		Cookies:   req.Cookies,
		Scripting: req.Scripting,
		At:        now,
	}, g.profiles.Window())

	sigs := g.extractors.Extract(p, signals.Request{
		Path:      req.Path,
		UserAgent: req.UserAgent,
		Referer:   req.Referer,
		Cookies:   req.Cookies,
		Scripting: req.Scripting,
		Headers:   req.Headers,
	})
	score := g.aggregator.Score(signals.Scores(sigs), p.ChallengeSuccesses, p.ChallengeFailures)
	p.SetScore(score)

	d = g.engine.Decide(p, score, now)
	g.profiles.Save(ctx, p)

	switch d.Action {
	case decision.ActionBan:
		g.logger.Info("client banned",
			"identity", req.Identity, "score", score,
			"until", d.BannedUntil, "requests", p.TotalRequests)
	case decision.ActionChallenge:
		g.challenges.MarkPending(ctx, req.Identity, d.ChallengeType)
		g.logger.Debug("challenge required",
			"identity", req.Identity, "score", score, "type", d.ChallengeType)
	}
	if g.logger.Enabled(ctx, slog.LevelDebug) {
		g.logger.Debug("request scored",
			"identity", req.Identity, "path", req.Path, "score", score,
			"action", d.Action, "signals", signalAttrs(sigs))
	}

	g.metrics.ObserveDecision(string(d.Action), score)
	return d
}

func signalAttrs(sigs []signals.Signal) map[string]float64 {
	out := make(map[string]float64, len(sigs))
	for _, s := range sigs {
		out[s.Name] = s.Score
	}
	return out
}

// Middleware evaluates every request before handing it to next. Rejected
// requests get 429; challenged requests proceed with the challenge headers
// set.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := RequestFrom(r)
		ctx := r.Context()

		d := g.Evaluate(ctx, req)
		if !d.Allow() {
			writeBanned(w, d, g.now())
			return
		}

		if d.Action == decision.ActionChallenge {
			w.Header().Set(HeaderChallenge, string(d.ChallengeType))
			w.Header().Set(HeaderScore, strconv.Itoa(d.ScorePercent()))
		}

		if g.delay > 0 && g.access.HighValue(req.Path) && g.owesChallenge(ctx, req, d) {
			if !g.sleep(ctx, g.delay) {
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(NewContext(ctx, d)))
	})
}

func (g *Guard) owesChallenge(ctx context.Context, req Request, d decision.Decision) bool {
	if d.Action == decision.ActionChallenge {
		return true
	}
	if g.Bypass(req.Identity, req.Path) {
		return false
	}
	_, pending := g.challenges.Pending(ctx, req.Identity)
	return pending
}

func writeBanned(w http.ResponseWriter, d decision.Decision, now time.Time) {
	retry := d.RetryAfter(now)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]any{
		"error":       "Too many requests",
		"retryAfter":  int(retry / time.Second),
		"bannedUntil": d.BannedUntil,
	})
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// =============================================================================
// Request helpers
// =============================================================================

// Identity returns the client identity: the remote address without its
// port. Behind a trusted proxy chi's RealIP middleware rewrites RemoteAddr
// first.
func Identity(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequestFrom extracts the evaluation input from an HTTP request.
func RequestFrom(r *http.Request) Request {
	return Request{
		Identity:  Identity(r),
		Path:      r.URL.Path,
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
		Cookies:   len(r.Cookies()) > 0,
		Scripting: scriptingSignaled(r),
		Headers:   r.Header,
	}
}

func scriptingSignaled(r *http.Request) bool {
	switch r.Header.Get(HeaderScripting) {
	case "true", "1":
		return true
	}
	_, err := r.Cookie(CookieScripting)
	return err == nil
}

type ctxKey struct{}

// NewContext attaches a decision to ctx.
func NewContext(ctx context.Context, d decision.Decision) context.Context {
	return context.WithValue(ctx, ctxKey{}, d)
}

// FromContext returns the decision attached by Middleware.
func FromContext(ctx context.Context) (decision.Decision, bool) {
	d, ok := ctx.Value(ctxKey{}).(decision.Decision)
	return d, ok
}
