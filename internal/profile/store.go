package profile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/fcaptcha/scrapeguard/internal/kv"
	"github.com/fcaptcha/scrapeguard/internal/logging"
	"github.com/fcaptcha/scrapeguard/internal/metrics"
)

const keyPrefix = "profile:"

// Store loads and saves profiles. It never fails the caller: storage
// problems degrade to a fresh profile on load and a logged no-op on save.
//
// Updates are read-modify-write without locking. Two requests from the same
// identity that overlap can lose one of the updates; the counters are soft
// signals, so that is tolerated rather than serialized.
type Store struct {
	kv      kv.Store
	window  int
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Options configures a Store.
type Options struct {
	Window  int
	TTL     time.Duration
	Timeout time.Duration // per store call; zero means the caller's context only
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func NewStore(store kv.Store, opts Options) *Store {
	if opts.Window <= 0 {
		opts.Window = 100
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("profile")
	}
	return &Store{
		kv:      store,
		window:  opts.Window,
		ttl:     opts.TTL,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Window returns the sliding-window cap applied on save.
func (s *Store) Window() int {
	return s.window
}

func Key(identity string) string {
	return keyPrefix + identity
}

// Load returns the stored profile for identity or a fresh one.
func (s *Store) Load(ctx context.Context, identity string) *Profile {
	p, err := s.Get(ctx, identity)
	if err == nil {
		return p
	}
	if !errors.Is(err, kv.ErrNotFound) {
		s.metrics.IncStoreError("profile", "load")
		s.logger.Warn("profile load failed, using empty profile",
			"identity", identity, logging.Err(err))
	}
	return New(identity)
}

// Get is the strict variant of Load, used for inspection.
func (s *Store) Get(ctx context.Context, identity string) (*Profile, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.kv.Get(ctx, Key(identity))
	if err != nil {
		return nil, err
	}

	p := New(identity)
	if err := json.Unmarshal(data, p); err != nil {
		return nil, err
	}
	p.Identity = identity
	return p, nil
}

// Save trims the sliding windows and writes the profile, refreshing its TTL.
func (s *Store) Save(ctx context.Context, p *Profile) {
	if err := s.save(ctx, p); err != nil {
		s.metrics.IncStoreError("profile", "save")
		s.logger.Warn("profile save failed",
			"identity", p.Identity, logging.Err(err))
	}
}

func (s *Store) save(ctx context.Context, p *Profile) error {
	p.Trim(s.window)

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.kv.Set(ctx, Key(p.Identity), data, s.ttl)
}

// Update loads, mutates and saves a profile in one call.
func (s *Store) Update(ctx context.Context, identity string, fn func(*Profile)) *Profile {
	p := s.Load(ctx, identity)
	fn(p)
	s.Save(ctx, p)
	return p
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
