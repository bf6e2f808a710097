package profile

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/fcaptcha/scrapeguard/internal/kv"
	"github.com/fcaptcha/scrapeguard/internal/logging"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestObserveRecordsIntervals(t *testing.T) {
	p := New("203.0.113.7")

	p.Observe(Observation{Path: "/", UserAgent: "ua-1", At: t0}, 100)
	if len(p.RequestTimestamps) != 0 {
		t.Fatalf("first request should not record an interval, got %v", p.RequestTimestamps)
	}

	p.Observe(Observation{Path: "/blog", UserAgent: "ua-2", Cookies: true, At: t0.Add(1500 * time.Millisecond)}, 100)
	if len(p.RequestTimestamps) != 1 || p.RequestTimestamps[0] != 1.5 {
		t.Errorf("expected one interval of 1.5s, got %v", p.RequestTimestamps)
	}
	if p.TotalRequests != 2 {
		t.Errorf("expected 2 requests, got %d", p.TotalRequests)
	}
	if p.UserAgent != "ua-2" {
		t.Errorf("expected last user agent, got %q", p.UserAgent)
	}
	if !p.CookiesPresent || p.ScriptingEnabled {
		t.Errorf("capabilities should reflect the latest request only")
	}
	if !p.LastSeenAt.Equal(t0.Add(1500 * time.Millisecond)) {
		t.Errorf("unexpected lastSeenAt %v", p.LastSeenAt)
	}
}

func TestObserveEvictionInvariant(t *testing.T) {
	const window = 10
	p := New("198.51.100.1")

	for i := 0; i < 250; i++ {
		p.Observe(Observation{Path: "/p", At: t0.Add(time.Duration(i) * time.Second)}, window)
		if len(p.RequestTimestamps) > window || len(p.PathsVisited) > window {
			t.Fatalf("window exceeded after %d requests: %d timestamps, %d paths",
				i+1, len(p.RequestTimestamps), len(p.PathsVisited))
		}
	}
	if p.TotalRequests != 250 {
		t.Errorf("expected 250 total requests, got %d", p.TotalRequests)
	}
}

func TestTrimKeepsNewest(t *testing.T) {
	p := New("x")
	p.PathsVisited = []string{"/1", "/2", "/3", "/4"}
	p.RequestTimestamps = []float64{1, 2, 3, 4}
	p.Trim(2)

	if p.PathsVisited[0] != "/3" || p.PathsVisited[1] != "/4" {
		t.Errorf("expected newest paths kept, got %v", p.PathsVisited)
	}
	if p.RequestTimestamps[0] != 3 {
		t.Errorf("expected newest intervals kept, got %v", p.RequestTimestamps)
	}
}

func TestRecordChallenge(t *testing.T) {
	tests := []struct {
		name      string
		start     float64
		success   bool
		wantScore float64
	}{
		{"success lowers", 0.8, true, 0.6},
		{"success floors at zero", 0.1, true, 0},
		{"failure raises", 0.5, false, 0.7},
		{"failure caps at one", 0.95, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New("x")
			p.SuspicionScore = tt.start
			p.RecordChallenge(tt.success)

			if diff := p.SuspicionScore - tt.wantScore; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("expected score %v, got %v", tt.wantScore, p.SuspicionScore)
			}
			if tt.success && p.ChallengeSuccesses != 1 {
				t.Errorf("expected one success, got %d", p.ChallengeSuccesses)
			}
			if !tt.success && p.ChallengeFailures != 1 {
				t.Errorf("expected one failure, got %d", p.ChallengeFailures)
			}
		})
	}
}

func TestBanned(t *testing.T) {
	p := New("x")
	if p.Banned(t0) {
		t.Error("fresh profile should not be banned")
	}
	p.Ban(t0.Add(time.Minute))
	if !p.Banned(t0) {
		t.Error("expected active ban")
	}
	if p.Banned(t0.Add(2 * time.Minute)) {
		t.Error("expired ban should not be active")
	}
}

func TestAddInteractionIgnoresNegative(t *testing.T) {
	p := New("x")
	p.AddInteraction(5)
	p.AddInteraction(-3)
	if p.InteractionSignal != 5 {
		t.Errorf("expected 5, got %d", p.InteractionSignal)
	}
}

func TestAddInteractionSaturates(t *testing.T) {
	p := New("x")
	p.AddInteraction(math.MaxInt64)
	p.AddInteraction(1)
	if p.InteractionSignal != math.MaxInt64 {
		t.Fatalf("expected saturation at MaxInt64, got %d", p.InteractionSignal)
	}

	p.InteractionSignal = math.MaxInt64 - 5
	p.AddInteraction(10)
	if p.InteractionSignal != math.MaxInt64 {
		t.Errorf("expected saturation near the limit, got %d", p.InteractionSignal)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemoryStore(0)
	defer mem.Close()

	s := NewStore(mem, Options{Window: 3, TTL: time.Hour, Logger: logging.Discard()})

	p := s.Load(ctx, "192.0.2.1")
	if p.TotalRequests != 0 || p.Identity != "192.0.2.1" {
		t.Fatalf("expected fresh profile, got %+v", p)
	}

	p.PathsVisited = []string{"/a", "/b", "/c", "/d", "/e"}
	p.TotalRequests = 5
	p.Ban(t0)
	s.Save(ctx, p)

	got := s.Load(ctx, "192.0.2.1")
	if len(got.PathsVisited) != 3 || got.PathsVisited[0] != "/c" {
		t.Errorf("expected save to trim to window, got %v", got.PathsVisited)
	}
	if got.TotalRequests != 5 {
		t.Errorf("expected 5 requests, got %d", got.TotalRequests)
	}
	if got.BannedUntil == nil || !got.BannedUntil.Equal(t0) {
		t.Errorf("expected bannedUntil to round-trip, got %v", got.BannedUntil)
	}
}

func TestStoreCorruptProfileFallsBack(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemoryStore(0)
	defer mem.Close()
	mem.Set(ctx, Key("192.0.2.9"), []byte("{not json"), time.Hour)

	s := NewStore(mem, Options{Logger: logging.Discard()})
	p := s.Load(ctx, "192.0.2.9")
	if p.TotalRequests != 0 || len(p.PathsVisited) != 0 {
		t.Errorf("expected empty profile for corrupt record, got %+v", p)
	}

	if _, err := s.Get(ctx, "192.0.2.9"); err == nil {
		t.Error("strict Get should surface the decode error")
	}
}

type brokenStore struct{ kv.Store }

var errDown = errors.New("connection refused")

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errDown }
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errDown
}

func TestStoreUnavailableFailsSoft(t *testing.T) {
	s := NewStore(brokenStore{}, Options{Logger: logging.Discard()})

	p := s.Load(context.Background(), "192.0.2.2")
	if p == nil || p.Identity != "192.0.2.2" {
		t.Fatalf("expected fresh profile, got %+v", p)
	}
	// Must not panic or block.
	s.Save(context.Background(), p)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemoryStore(0)
	defer mem.Close()
	s := NewStore(mem, Options{Logger: logging.Discard()})

	s.Update(ctx, "192.0.2.3", func(p *Profile) { p.AddInteraction(7) })
	s.Update(ctx, "192.0.2.3", func(p *Profile) { p.AddInteraction(3) })

	if got := s.Load(ctx, "192.0.2.3").InteractionSignal; got != 10 {
		t.Errorf("expected 10 interaction events, got %d", got)
	}
}
