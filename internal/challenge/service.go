// Package challenge issues and verifies arithmetic, honeypot and captcha
// challenges. Expected answers stay server-side in the key-value store and
// are consumed on the first verification attempt.
package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fcaptcha/scrapeguard/internal/decision"
	"github.com/fcaptcha/scrapeguard/internal/kv"
	"github.com/fcaptcha/scrapeguard/internal/logging"
	"github.com/fcaptcha/scrapeguard/internal/metrics"
	"github.com/fcaptcha/scrapeguard/internal/profile"
)

var (
	ErrNotFound       = errors.New("challenge not found or expired")
	ErrInvalidRequest = errors.New("challenge id and type are required")
	ErrUnknownType    = errors.New("unknown challenge type")
)

const (
	challengePrefix = "challenge:"
	pendingPrefix   = "pending:"
	idLength        = 16
)

// Issued is what the client receives. The expected answer is never part
// of it.
type Issued struct {
	Type      decision.ChallengeType `json:"type"`
	ID        string                 `json:"id"`
	Challenge string                 `json:"challenge"`
}

// VerifyRequest is a client's answer.
type VerifyRequest struct {
	ID       string
	Type     decision.ChallengeType
	Response string
}

type record struct {
	Type     decision.ChallengeType `json:"type"`
	Expected string                 `json:"expected"`
}

// Service issues and verifies challenges.
type Service struct {
	kv       kv.Store
	ttl      time.Duration
	timeout  time.Duration
	kinds    map[decision.ChallengeType]Kind
	profiles *profile.Store
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Options configures a Service.
type Options struct {
	TTL            time.Duration
	Timeout        time.Duration
	CaptchaLength  int
	HoneypotFields []string
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

func NewService(store kv.Store, profiles *profile.Store, opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("challenge")
	}
	return &Service{
		kv:       store,
		ttl:      opts.TTL,
		timeout:  opts.Timeout,
		profiles: profiles,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      time.Now,
		kinds: map[decision.ChallengeType]Kind{
			decision.ChallengeArithmetic: NewArithmetic(nil),
			decision.ChallengeHoneypot:   NewHoneypot(opts.HoneypotFields, nil),
			decision.ChallengeCaptcha:    NewCaptcha(opts.CaptchaLength, nil),
		},
	}
}

func (s *Service) withKind(t decision.ChallengeType, k Kind) *Service {
	s.kinds[t] = k
	return s
}

// Known reports whether t is a supported challenge type.
func (s *Service) Known(t decision.ChallengeType) bool {
	_, ok := s.kinds[t]
	return ok
}

// Issue creates a challenge of type t and stores its answer.
func (s *Service) Issue(ctx context.Context, t decision.ChallengeType) (Issued, error) {
	kind, ok := s.kinds[t]
	if !ok {
		return Issued{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	public, secret := kind.Issue()
	id := challengeID(t, public, s.now())

	data, err := json.Marshal(record{Type: t, Expected: secret})
	if err != nil {
		return Issued{}, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.kv.Set(ctx, challengePrefix+id, data, s.ttl); err != nil {
		s.metrics.IncStoreError("challenge", "issue")
		return Issued{}, fmt.Errorf("store challenge: %w", err)
	}

	s.metrics.IncChallengeIssued(string(t))
	return Issued{Type: t, ID: id, Challenge: public}, nil
}

// Verify checks a response and consumes the challenge whatever the result.
// The outcome is recorded on identity's profile. A missing or expired
// challenge counts as a failed attempt and returns ErrNotFound alongside
// false.
func (s *Service) Verify(ctx context.Context, identity string, req VerifyRequest) (bool, error) {
	if req.ID == "" || req.Type == "" {
		return false, ErrInvalidRequest
	}
	kind, ok := s.kinds[req.Type]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	}

	rec, err := s.take(ctx, req.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		s.record(ctx, identity, req.Type, false)
		return false, ErrNotFound
	case err != nil:
		// The store is down; nothing is known about the answer, so the
		// client's record is left alone.
		s.metrics.IncStoreError("challenge", "verify")
		s.logger.Warn("challenge lookup failed",
			"identity", identity, "id", req.ID, logging.Err(err))
		return false, nil
	}

	success := rec.Type == req.Type && kind.Check(rec.Expected, req.Response)
	s.record(ctx, identity, req.Type, success)
	if success {
		// Only the owed type settles the flag; a weaker self-issued
		// challenge does not.
		if owed, ok := s.Pending(ctx, identity); ok && owed == req.Type {
			s.ClearPending(ctx, identity)
		}
	}
	return success, nil
}

func (s *Service) take(ctx context.Context, id string) (record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.kv.Take(ctx, challengePrefix+id)
	if errors.Is(err, kv.ErrNotFound) {
		return record{}, ErrNotFound
	}
	if err != nil {
		return record{}, err
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("decode challenge %s: %w", id, err)
	}
	return rec, nil
}

func (s *Service) record(ctx context.Context, identity string, t decision.ChallengeType, success bool) {
	s.metrics.IncChallengeVerified(string(t), success)
	s.logger.Debug("challenge verified",
		"identity", identity, "type", t, "success", success)
	if s.profiles == nil || identity == "" {
		return
	}
	s.profiles.Update(ctx, identity, func(p *profile.Profile) {
		p.RecordChallenge(success)
	})
}

// =============================================================================
// Pending flag
// =============================================================================

// MarkPending flags identity as owing a challenge of type t.
func (s *Service) MarkPending(ctx context.Context, identity string, t decision.ChallengeType) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.kv.Set(ctx, pendingPrefix+identity, []byte(t), s.ttl); err != nil {
		s.metrics.IncStoreError("challenge", "mark_pending")
		s.logger.Warn("set pending challenge failed", "identity", identity, logging.Err(err))
	}
}

// Pending returns the outstanding challenge type for identity, if any.
func (s *Service) Pending(ctx context.Context, identity string) (decision.ChallengeType, bool) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	data, err := s.kv.Get(ctx, pendingPrefix+identity)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.metrics.IncStoreError("challenge", "pending")
		}
		return "", false
	}
	return decision.ChallengeType(data), true
}

// ClearPending removes the outstanding challenge flag.
func (s *Service) ClearPending(ctx context.Context, identity string) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.kv.Delete(ctx, pendingPrefix+identity); err != nil {
		s.metrics.IncStoreError("challenge", "clear_pending")
		s.logger.Warn("clear pending challenge failed", "identity", identity, logging.Err(err))
	}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// challengeID hashes the challenge content with its issue time and a random
// nonce, truncated to idLength hex characters.
func challengeID(t decision.ChallengeType, public string, issuedAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(string(t)))
	h.Write([]byte{'|'})
	h.Write([]byte(public))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(issuedAt.UnixNano(), 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(uuid.NewString()))
	return hex.EncodeToString(h.Sum(nil))[:idLength]
}
