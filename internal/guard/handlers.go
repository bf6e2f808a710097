package guard

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fcaptcha/scrapeguard/internal/challenge"
	"github.com/fcaptcha/scrapeguard/internal/decision"
	"github.com/fcaptcha/scrapeguard/internal/logging"
	"github.com/fcaptcha/scrapeguard/internal/profile"
)

// Verdict is the framework-agnostic view of a decision.
type Verdict struct {
	Allow         bool       `json:"allow"`
	ChallengeType *string    `json:"challengeType"`
	Score         int        `json:"score"` // 0-100
	BannedUntil   *time.Time `json:"bannedUntil"`
}

// VerdictOf converts a decision for clients.
func VerdictOf(d decision.Decision) Verdict {
	v := Verdict{
		Allow:       d.Allow(),
		Score:       d.ScorePercent(),
		BannedUntil: d.BannedUntil,
	}
	if d.ChallengeType != "" {
		t := string(d.ChallengeType)
		v.ChallengeType = &t
	}
	return v
}

// Routes registers the challenge, activity and decision endpoints.
func (g *Guard) Routes(r chi.Router) {
	r.Get("/api/challenge/{type}", g.issueHandler())
	r.Post("/api/challenge/verify", g.verifyHandler())
	r.Post("/api/activity", g.activityHandler())
	r.Get("/api/decision", g.decisionHandler())
}

func (g *Guard) issueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		typ := decision.ChallengeType(chi.URLParam(r, "type"))
		if !g.challenges.Known(typ) {
			writeError(w, http.StatusNotFound, "Unknown challenge type")
			return
		}

		if !g.limiter.Allow(Identity(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "Too many challenge requests")
			return
		}

		issued, err := g.challenges.Issue(r.Context(), typ)
		if err != nil {
			g.logger.Error("issue challenge failed",
				"identity", Identity(r), "type", typ, logging.Err(err))
			writeError(w, http.StatusServiceUnavailable, "Challenge unavailable")
			return
		}

		writeJSON(w, http.StatusOK, issued)
	}
}

// verifyBody accepts the response as a JSON string or number.
type verifyBody struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Response json.RawMessage `json:"response"`
}

func (b verifyBody) responseText() string {
	raw := strings.TrimSpace(string(b.Response))
	if raw == "" || raw == "null" {
		return ""
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b.Response, &s); err == nil {
			return s
		}
	}
	return raw
}

func (g *Guard) verifyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body verifyBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		ok, err := g.challenges.Verify(r.Context(), Identity(r), challenge.VerifyRequest{
			ID:       body.ID,
			Type:     decision.ChallengeType(body.Type),
			Response: body.responseText(),
		})
		switch {
		case errors.Is(err, challenge.ErrInvalidRequest), errors.Is(err, challenge.ErrUnknownType):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case !ok:
			writeJSON(w, http.StatusForbidden, map[string]bool{"success": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

type activityBody struct {
	Movements int64 `json:"movements"`
}

// activityHandler is fire-and-forget: it always answers 204.
func (g *Guard) activityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer w.WriteHeader(http.StatusNoContent)

		var body activityBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Movements <= 0 {
			return
		}
		identity := Identity(r)
		if g.access.Whitelisted(identity) {
			return
		}
		g.profiles.Update(r.Context(), identity, func(p *profile.Profile) {
			p.AddInteraction(body.Movements)
		})
	}
}

// decisionHandler reports the caller's standing without recording a
// request.
func (g *Guard) decisionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := Identity(r)
		if g.access.Whitelisted(identity) {
			writeJSON(w, http.StatusOK, VerdictOf(decision.Allowed()))
			return
		}

		p := g.profiles.Load(r.Context(), identity)
		snapshot := *p
		writeJSON(w, http.StatusOK, VerdictOf(g.engine.Decide(&snapshot, p.SuspicionScore, g.now())))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
