package signals

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/fcaptcha/scrapeguard/internal/profile"
)

// UABrowserInfo extracted from User-Agent
type UABrowserInfo struct {
	Browser      string
	MajorVersion int
	OS           string
	Model        string
	IsMobile     bool
	IsBot        bool
	BotName      string
}

const maxUALength = 1024

var errUnparseable = errors.New("user agent not parseable")

// Keyword list matched case-insensitively as substrings.
var botKeywords = []string{
	"bot", "crawler", "spider", "scraper", "slurp",
	"headless", "phantomjs", "selenium", "webdriver", "puppeteer", "playwright",
	"curl", "wget", "python-requests", "python-urllib", "aiohttp", "httpx",
	"axios", "node-fetch", "go-http-client", "okhttp", "java/",
	"libwww", "apache-httpclient", "httpie", "postmanruntime", "insomnia", "scrapy",
}

// Agents the parser classifies as non-human devices even without a keyword.
var botProductPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)lighthouse`),
	regexp.MustCompile(`(?i)facebookexternalhit`),
	regexp.MustCompile(`(?i)mediapartners-google`),
	regexp.MustCompile(`(?i)ia_archiver`),
	regexp.MustCompile(`(?i)preview`),
}

var chromePattern = regexp.MustCompile(`Chrome\/(\d+)`)
var firefoxPattern = regexp.MustCompile(`Firefox\/(\d+)`)
var safariPattern = regexp.MustCompile(`Version\/(\d+).*Safari\/`)
var edgePattern = regexp.MustCompile(`Edg\/(\d+)`)
var iePattern = regexp.MustCompile(`MSIE (\d+)|Trident\/.*rv:(\d+)`)
var androidModelPattern = regexp.MustCompile(`Android [\d.]+; ([^;)]+)`)

// Major versions below these are treated as outdated.
const (
	minChromeVersion  = 70
	minFirefoxVersion = 60
)

// ParseUserAgent extracts browser info from a UA string. Oversized strings
// and strings with control characters are rejected.
func ParseUserAgent(ua string) (UABrowserInfo, error) {
	info := UABrowserInfo{}

	if len(ua) > maxUALength {
		return info, errUnparseable
	}
	for _, r := range ua {
		if unicode.IsControl(r) {
			return info, errUnparseable
		}
	}

	for _, pattern := range botProductPatterns {
		if match := pattern.FindString(ua); match != "" {
			info.IsBot = true
			info.BotName = match
			return info, nil
		}
	}

	// Detect browser
	if match := edgePattern.FindStringSubmatch(ua); len(match) > 1 {
		info.Browser = "Edge"
		info.MajorVersion, _ = strconv.Atoi(match[1])
	} else if match := iePattern.FindStringSubmatch(ua); len(match) > 2 {
		info.Browser = "IE"
		v := match[1]
		if v == "" {
			v = match[2]
		}
		info.MajorVersion, _ = strconv.Atoi(v)
	} else if match := chromePattern.FindStringSubmatch(ua); len(match) > 1 {
		info.Browser = "Chrome"
		info.MajorVersion, _ = strconv.Atoi(match[1])
	} else if match := firefoxPattern.FindStringSubmatch(ua); len(match) > 1 {
		info.Browser = "Firefox"
		info.MajorVersion, _ = strconv.Atoi(match[1])
	} else if match := safariPattern.FindStringSubmatch(ua); len(match) > 1 {
		info.Browser = "Safari"
		info.MajorVersion, _ = strconv.Atoi(match[1])
	}

	// Detect OS; mobile platforms first since iOS UAs contain "Mac OS X"
	switch {
	case strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad"):
		info.OS = "iOS"
		info.IsMobile = true
	case strings.Contains(ua, "Android"):
		info.OS = "Android"
		info.IsMobile = true
		if match := androidModelPattern.FindStringSubmatch(ua); len(match) > 1 {
			info.Model = strings.TrimSpace(match[1])
		}
	case strings.Contains(ua, "Windows"):
		info.OS = "Windows"
	case strings.Contains(ua, "Mac OS X") || strings.Contains(ua, "Macintosh"):
		info.OS = "macOS"
	case strings.Contains(ua, "Linux"):
		info.OS = "Linux"
	}

	if strings.Contains(ua, "Mobile") {
		info.IsMobile = true
	}

	return info, nil
}

func genericModel(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "generic") ||
		strings.Contains(m, "unknown") ||
		strings.Contains(m, "sdk built for")
}

// UserAgent scores the declared user agent. It emits exactly one signal.
func UserAgent(_ Thresholds, _ *profile.Profile, r Request) []Signal {
	ua := r.UserAgent
	if ua == "" {
		return signal(NameUserAgent, 0.95, "missing user agent")
	}

	lower := strings.ToLower(ua)
	for _, kw := range botKeywords {
		if strings.Contains(lower, kw) {
			return signal(NameUserAgent, 0.95, "user agent contains %q", kw)
		}
	}

	info, err := ParseUserAgent(ua)
	if err != nil {
		return signal(NameUserAgent, 0.5, "user agent could not be parsed")
	}

	switch {
	case info.IsBot:
		return signal(NameUserAgent, 0.95, "user agent identifies as %s", info.BotName)
	case info.Browser == "IE":
		return signal(NameUserAgent, 0.85, "Internet Explorer %d", info.MajorVersion)
	case info.Browser == "Chrome" && info.MajorVersion < minChromeVersion:
		return signal(NameUserAgent, 0.8, "outdated Chrome %d", info.MajorVersion)
	case info.Browser == "Firefox" && info.MajorVersion < minFirefoxVersion:
		return signal(NameUserAgent, 0.8, "outdated Firefox %d", info.MajorVersion)
	case info.Model != "" && genericModel(info.Model):
		return signal(NameUserAgent, 0.7, "generic device model %q", info.Model)
	}
	return signal(NameUserAgent, 0.1, "ordinary browser user agent")
}
