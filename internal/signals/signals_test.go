package signals

import (
	"math"
	"strings"
	"testing"

	"github.com/fcaptcha/scrapeguard/internal/profile"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func withIntervals(intervals ...float64) *profile.Profile {
	p := profile.New("203.0.113.1")
	p.RequestTimestamps = intervals
	return p
}

func withPaths(paths ...string) *profile.Profile {
	p := profile.New("203.0.113.1")
	p.PathsVisited = paths
	return p
}

func find(sigs []Signal, name string) (Signal, bool) {
	for _, s := range sigs {
		if s.Name == name {
			return s, true
		}
	}
	return Signal{}, false
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestTimingPrecondition(t *testing.T) {
	th := DefaultThresholds()

	if sigs := Timing(th, withIntervals(0.1, 0.1, 0.1, 0.1), Request{}); len(sigs) != 0 {
		t.Errorf("4 intervals should abstain, got %v", sigs)
	}

	sigs := Timing(th, withIntervals(0.1, 0.1, 0.1, 0.1, 0.1), Request{})
	if len(sigs) != 2 {
		t.Fatalf("5 intervals should emit mean and stddev signals, got %v", sigs)
	}
	mean, _ := find(sigs, NameTimingMean)
	std, _ := find(sigs, NameTimingStdDev)
	if mean.Score != 0.9 {
		t.Errorf("expected mean score 0.9, got %v", mean.Score)
	}
	// Perfect regularity needs more than five samples for the top score.
	if std.Score != 0.7 {
		t.Errorf("expected stddev score 0.7 with exactly 5 samples, got %v", std.Score)
	}
}

func TestTimingScores(t *testing.T) {
	tests := []struct {
		name      string
		intervals []float64
		wantMean  float64
		wantStd   float64
	}{
		{"machine regular", []float64{0.1, 0.1, 0.1, 0.1, 0.1, 0.1}, 0.9, 0.95},
		{"sub-second", []float64{0.5, 0.6, 0.5, 0.6, 0.5, 0.6}, 0.7, 0.95},
		{"brisk", []float64{1.5, 2.0, 2.5, 1.8, 2.2, 2.0}, 0.5, 0.7},
		{"human", []float64{4, 12, 7, 30, 5, 9}, 0.1, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sigs := Timing(DefaultThresholds(), withIntervals(tt.intervals...), Request{})
			mean, _ := find(sigs, NameTimingMean)
			std, _ := find(sigs, NameTimingStdDev)
			if mean.Score != tt.wantMean {
				t.Errorf("mean score = %v, want %v", mean.Score, tt.wantMean)
			}
			if std.Score != tt.wantStd {
				t.Errorf("stddev score = %v, want %v", std.Score, tt.wantStd)
			}
		})
	}
}

func TestTimingUsesLastTwenty(t *testing.T) {
	intervals := make([]float64, 0, 40)
	for i := 0; i < 20; i++ {
		intervals = append(intervals, 10)
	}
	for i := 0; i < 20; i++ {
		intervals = append(intervals, 0.1)
	}
	sigs := Timing(DefaultThresholds(), withIntervals(intervals...), Request{})
	if mean, _ := find(sigs, NameTimingMean); mean.Score != 0.9 {
		t.Errorf("expected only the recent fast intervals to count, got %v", mean.Score)
	}
}

func TestMeanStdDev(t *testing.T) {
	mean, std := meanStdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if mean != 5 || std != 2 {
		t.Errorf("expected mean 5 stddev 2, got %v %v", mean, std)
	}
}

func TestNavigationEntropy(t *testing.T) {
	th := DefaultThresholds()

	if sigs := NavigationEntropy(th, withPaths("/", "/", "/", "/"), Request{}); len(sigs) != 0 {
		t.Errorf("4 paths should abstain, got %v", sigs)
	}

	sigs := NavigationEntropy(th, withPaths("/", "/", "/", "/", "/"), Request{})
	if len(sigs) != 1 || sigs[0].Score != 1 {
		t.Errorf("single repeated path should score 1, got %v", sigs)
	}

	eight := withPaths("/a", "/b", "/c", "/d", "/e", "/f", "/g", "/h")
	sigs = NavigationEntropy(th, eight, Request{})
	if !approx(sigs[0].Score, 1-3.0/3.2) {
		t.Errorf("3 bits should score %v, got %v", 1-3.0/3.2, sigs[0].Score)
	}

	varied := withPaths("/a", "/b", "/c", "/d", "/e", "/f", "/g", "/h", "/i", "/j")
	sigs = NavigationEntropy(th, varied, Request{})
	if sigs[0].Score != 0.1 {
		t.Errorf("varied navigation should score 0.1, got %v", sigs[0].Score)
	}
}

func TestPathEntropy(t *testing.T) {
	if h := pathEntropy(nil); h != 0 {
		t.Errorf("expected 0 for empty, got %v", h)
	}
	if h := pathEntropy([]string{"/a", "/b", "/a", "/b"}); !approx(h, 1) {
		t.Errorf("expected 1 bit, got %v", h)
	}
}

func TestUserAgent(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want float64
	}{
		{"missing", "", 0.95},
		{"python requests", "python-requests/2.31.0", 0.95},
		{"curl", "curl/8.4.0", 0.95},
		{"googlebot", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", 0.95},
		{"headless chrome", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 HeadlessChrome/120.0.0.0 Safari/537.36", 0.95},
		{"case insensitive", "My-SPIDER/1.0", 0.95},
		{"parsed bot", "Mozilla/5.0 (Linux) Chrome-Lighthouse", 0.95},
		{"internet explorer", "Mozilla/5.0 (Windows NT 6.1; Trident/7.0; rv:11.0) like Gecko", 0.85},
		{"old chrome", "Mozilla/5.0 (Windows NT 6.1) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/49.0.2623.112 Safari/537.36", 0.8},
		{"old firefox", "Mozilla/5.0 (Windows NT 6.1; rv:45.0) Gecko/20100101 Firefox/45.0", 0.8},
		{"generic model", "Mozilla/5.0 (Linux; Android 9; Generic Android Device) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36", 0.7},
		{"modern chrome", chromeUA, 0.1},
		{"modern firefox", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0", 0.1},
		{"control characters", "Mozilla/5.0\x00\x01", 0.5},
		{"oversized", "Mozilla/5.0 " + strings.Repeat("x", 2000), 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sigs := UserAgent(DefaultThresholds(), profile.New("x"), Request{UserAgent: tt.ua})
			if len(sigs) != 1 {
				t.Fatalf("expected exactly one signal, got %v", sigs)
			}
			if sigs[0].Score != tt.want {
				t.Errorf("score = %v, want %v (%s)", sigs[0].Score, tt.want, sigs[0].Reason)
			}
		})
	}
}

func TestParseUserAgent(t *testing.T) {
	info, err := ParseUserAgent("Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.OS != "iOS" || !info.IsMobile {
		t.Errorf("expected mobile iOS, got %+v", info)
	}
	if info.Browser != "Safari" || info.MajorVersion != 17 {
		t.Errorf("expected Safari 17, got %s %d", info.Browser, info.MajorVersion)
	}

	info, _ = ParseUserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.2210.91")
	if info.Browser != "Edge" || info.MajorVersion != 120 {
		t.Errorf("expected Edge 120, got %s %d", info.Browser, info.MajorVersion)
	}
}

func TestCapability(t *testing.T) {
	sigs := Capability(DefaultThresholds(), profile.New("x"), Request{})
	if len(sigs) != 2 {
		t.Fatalf("expected both capability signals, got %v", sigs)
	}
	sigs = Capability(DefaultThresholds(), profile.New("x"), Request{Cookies: true})
	if len(sigs) != 1 || sigs[0].Name != NameScripting || sigs[0].Score != 0.8 {
		t.Errorf("expected only the scripting signal, got %v", sigs)
	}
	if sigs := Capability(DefaultThresholds(), profile.New("x"), Request{Cookies: true, Scripting: true}); len(sigs) != 0 {
		t.Errorf("capable client should not be flagged, got %v", sigs)
	}
}

func TestInteraction(t *testing.T) {
	tests := []struct {
		name        string
		total       int64
		interaction int64
		want        bool
	}{
		{"too few requests", 5, 0, false},
		{"silent client", 20, 1, true},
		{"active client", 20, 2, false},
		{"very active", 6, 400, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := profile.New("x")
			p.TotalRequests = tt.total
			p.InteractionSignal = tt.interaction
			sigs := Interaction(DefaultThresholds(), p, Request{})
			if got := len(sigs) == 1; got != tt.want {
				t.Errorf("fired = %v, want %v", got, tt.want)
			}
			if tt.want && sigs[0].Score != 0.9 {
				t.Errorf("expected 0.9, got %v", sigs[0].Score)
			}
		})
	}
}

func TestSequentialPaths(t *testing.T) {
	tests := []struct {
		name  string
		paths []string
		want  float64 // 0 means abstain
	}{
		{"too short", []string{"/page/1", "/page/2", "/page/3", "/page/4"}, 0},
		{"pagination", []string{"/page/1", "/page/2", "/page/3", "/page/4", "/page/5", "/page/6"}, 0.85},
		{"partial", []string{"/a", "/b", "/item/1", "/item/2", "/item/3", "/x"}, 0.6},
		{"browsing", []string{"/", "/blog", "/blog/7", "/about", "/contact", "/blog/3"}, 0},
		{"descending", []string{"/p/9", "/p/8", "/p/7", "/p/6", "/p/5"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sigs := SequentialPaths(DefaultThresholds(), withPaths(tt.paths...), Request{})
			if tt.want == 0 {
				if len(sigs) != 0 {
					t.Errorf("expected abstain, got %v", sigs)
				}
				return
			}
			if len(sigs) != 1 || sigs[0].Score != tt.want {
				t.Errorf("expected %v, got %v", tt.want, sigs)
			}
		})
	}
}

func TestSequentialPathsUsesLastTen(t *testing.T) {
	paths := []string{"/p/1", "/p/2", "/p/3", "/p/4", "/p/5", "/p/6"}
	for i := 0; i < 10; i++ {
		paths = append(paths, "/about")
	}
	if sigs := SequentialPaths(DefaultThresholds(), withPaths(paths...), Request{}); len(sigs) != 0 {
		t.Errorf("old enumeration outside the sample should not count, got %v", sigs)
	}
}

func TestRefererConsistency(t *testing.T) {
	tests := []struct {
		name    string
		paths   []string
		referer string
		want    float64
	}{
		{"no referer", []string{"/", "/blog"}, "", 0},
		{"too little history", []string{"/"}, "https://example.com/nowhere", 0},
		{"consistent", []string{"/", "/blog", "/blog/post"}, "https://example.com/blog", 0},
		{"root referer", []string{"/", "/blog"}, "https://example.com", 0},
		{"inconsistent", []string{"/", "/blog"}, "https://example.com/admin", 0.7},
		{"invalid", []string{"/", "/blog"}, "not a url", 0.5},
		{"unparseable", []string{"/", "/blog"}, "http://[::1", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sigs := RefererConsistency(DefaultThresholds(), withPaths(tt.paths...), Request{Referer: tt.referer})
			if tt.want == 0 {
				if len(sigs) != 0 {
					t.Errorf("expected abstain, got %v", sigs)
				}
				return
			}
			if len(sigs) != 1 || sigs[0].Score != tt.want {
				t.Errorf("expected %v, got %v", tt.want, sigs)
			}
		})
	}
}

func TestExtractIsolatesPanics(t *testing.T) {
	var panicked []string
	ex := New(DefaultThresholds(), func(name string, _ any) {
		panicked = append(panicked, name)
	}).With(Extractor{
		Name: "boom",
		Fn: func(Thresholds, *profile.Profile, Request) []Signal {
			panic("boom")
		},
	})

	sigs := ex.Extract(profile.New("x"), Request{UserAgent: "curl/8.0"})
	if _, ok := find(sigs, NameUserAgent); !ok {
		t.Errorf("other extractors should still contribute, got %v", sigs)
	}
	if len(panicked) != 1 || panicked[0] != "boom" {
		t.Errorf("expected panic to be reported, got %v", panicked)
	}
}

func TestExtractNewClientAbstainsOnHistory(t *testing.T) {
	sigs := New(DefaultThresholds(), nil).Extract(profile.New("x"), Request{
		UserAgent: chromeUA, Cookies: true, Scripting: true,
	})
	if len(sigs) != 1 || sigs[0].Name != NameUserAgent {
		t.Errorf("a fresh capable client should only get the user agent signal, got %v", sigs)
	}
	if scores := Scores(sigs); len(scores) != 1 || scores[0] != 0.1 {
		t.Errorf("unexpected scores %v", scores)
	}
}
