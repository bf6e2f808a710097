package signals

import (
	"math"
	"net/url"
	"regexp"
	"strconv"

	"github.com/fcaptcha/scrapeguard/internal/profile"
)

// =============================================================================
// Timing
// =============================================================================

const (
	timingMinSamples = 5
	timingSample     = 20
)

// Timing scores the mean and the regularity of recent inter-request
// intervals as two separate signals.
func Timing(th Thresholds, p *profile.Profile, _ Request) []Signal {
	if len(p.RequestTimestamps) < timingMinSamples {
		return nil
	}
	intervals := p.LastIntervals(timingSample)
	mean, std := meanStdDev(intervals)

	var meanScore float64
	switch {
	case mean < th.FastMean:
		meanScore = 0.9
	case mean < th.ModerateMean:
		meanScore = 0.7
	case mean < th.SlowMean:
		meanScore = 0.5
	default:
		meanScore = 0.1
	}

	var stdScore float64
	switch {
	case std < th.RegularStdDev && len(intervals) > timingMinSamples:
		stdScore = 0.95
	case std < th.LowStdDev:
		stdScore = 0.7
	default:
		stdScore = 0.1
	}

	out := signal(NameTimingMean, meanScore, "mean interval %.3fs over %d requests", mean, len(intervals))
	return append(out, signal(NameTimingStdDev, stdScore, "interval stddev %.3fs", std)...)
}

func meanStdDev(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// =============================================================================
// Navigation entropy
// =============================================================================

const (
	entropyMinPaths = 5
	entropySample   = 30
)

// NavigationEntropy flags repetitive browsing: low Shannon entropy over the
// path-visit distribution.
func NavigationEntropy(th Thresholds, p *profile.Profile, _ Request) []Signal {
	if len(p.PathsVisited) < entropyMinPaths {
		return nil
	}
	h := pathEntropy(p.LastPaths(entropySample))
	if h < th.EntropyThreshold {
		return signal(NameEntropy, 1-h/th.EntropyThreshold, "path entropy %.2f bits below %.2f", h, th.EntropyThreshold)
	}
	return signal(NameEntropy, 0.1, "path entropy %.2f bits", h)
}

func pathEntropy(paths []string) float64 {
	if len(paths) == 0 {
		return 0
	}
	freq := make(map[string]int)
	for _, p := range paths {
		freq[p]++
	}

	entropy := 0.0
	total := float64(len(paths))
	for _, count := range freq {
		pr := float64(count) / total
		entropy -= pr * math.Log2(pr)
	}
	return entropy
}

// =============================================================================
// Capability and interaction
// =============================================================================

// Capability scores missing cookies and missing scripting independently.
func Capability(_ Thresholds, _ *profile.Profile, r Request) []Signal {
	var out []Signal
	if !r.Cookies {
		out = append(out, signal(NameCookies, 0.8, "no cookies sent")...)
	}
	if !r.Scripting {
		out = append(out, signal(NameScripting, 0.8, "no scripting capability signaled")...)
	}
	return out
}

// Interaction flags clients that report too little activity for their
// request volume.
func Interaction(_ Thresholds, p *profile.Profile, _ Request) []Signal {
	if p.TotalRequests > 5 && float64(p.InteractionSignal) < float64(p.TotalRequests)*0.1 {
		return signal(NameInteraction, 0.9, "%d interaction events for %d requests", p.InteractionSignal, p.TotalRequests)
	}
	return nil
}

// =============================================================================
// Sequential paths
// =============================================================================

const (
	sequentialMinPaths = 5
	sequentialSample   = 10
)

var digitsPattern = regexp.MustCompile(`\d+`)

// SequentialPaths flags pagination or id enumeration: consecutive requests
// whose numeric path segment increases by exactly one.
func SequentialPaths(_ Thresholds, p *profile.Profile, _ Request) []Signal {
	if len(p.PathsVisited) < sequentialMinPaths {
		return nil
	}
	paths := p.LastPaths(sequentialSample)
	pairs := len(paths) - 1

	sequential := 0
	for i := 1; i < len(paths); i++ {
		prev, okPrev := lastNumber(paths[i-1])
		cur, okCur := lastNumber(paths[i])
		if okPrev && okCur && cur == prev+1 {
			sequential++
		}
	}

	ratio := float64(sequential) / float64(pairs)
	switch {
	case ratio > 0.5:
		return signal(NameSequential, 0.85, "%d of %d requests step a numeric segment by one", sequential, pairs)
	case ratio > 0.3:
		return signal(NameSequential, 0.6, "%d of %d requests step a numeric segment by one", sequential, pairs)
	}
	return nil
}

func lastNumber(path string) (int64, bool) {
	matches := digitsPattern.FindAllString(path, -1)
	if len(matches) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(matches[len(matches)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// =============================================================================
// Referer consistency
// =============================================================================

const refererSample = 5

// RefererConsistency flags a referer that points somewhere the client was
// never observed visiting.
func RefererConsistency(_ Thresholds, p *profile.Profile, r Request) []Signal {
	if r.Referer == "" || len(p.PathsVisited) < 2 {
		return nil
	}

	u, err := url.Parse(r.Referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return signal(NameReferer, 0.5, "invalid referer %q", r.Referer)
	}

	refPath := u.Path
	if refPath == "" {
		refPath = "/"
	}
	for _, visited := range p.LastPaths(refererSample) {
		if visited == refPath {
			return nil
		}
	}
	return signal(NameReferer, 0.7, "referer path %s not in recent navigation", refPath)
}
