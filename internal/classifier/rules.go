package classifier

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/scout/internal/crawler"
)

// Rule maps one probe signal to a protection category. Rules are evaluated
// in order; the first match decides the category and every match is
// recorded as a signal.
type Rule struct {
	Name       string
	Category   crawler.ProtectionCategory
	Confidence float64
	Match      func(resp crawler.FetchResponse) bool
}

// Verdict is the outcome of evaluating rules against one probe.
type Verdict struct {
	Category   crawler.ProtectionCategory
	Confidence float64
	Signals    []string
}

// noMatchConfidence is reported when no rule fired.
const noMatchConfidence = 0.6

// Evaluate runs rules against resp.
func Evaluate(rules []Rule, resp crawler.FetchResponse) Verdict {
	v := Verdict{Category: crawler.ProtectionNone, Confidence: noMatchConfidence}
	matched := false
	for _, r := range rules {
		if !r.Match(resp) {
			continue
		}
		v.Signals = append(v.Signals, r.Name)
		if !matched {
			matched = true
			v.Category = r.Category
			v.Confidence = r.Confidence
		}
	}
	return v
}

// shortBodyThreshold marks bodies too small to be a rendered article.
const shortBodyThreshold = 2048

var (
	captchaMarkers   = []string{"g-recaptcha", "recaptcha/api", "hcaptcha", "h-captcha", "cf-turnstile"}
	challengeMarkers = []string{"challenges.cloudflare.com", "cf-browser-verification", "_cf_chl_opt"}
	blockPhrases     = []string{"access denied", "bot detected", "please verify you are a human", "unusual traffic"}
	spaMarkers       = []string{"__next", `id="root"`, `id="app"`, "data-reactroot", "ng-version"}
	noscriptMarkers  = []string{"enable javascript", "javascript is required", "javascript is disabled"}
)

// DefaultRules returns the built-in rule set, most specific first.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "status_429", Category: crawler.ProtectionRateLimited, Confidence: 0.9,
			Match: func(r crawler.FetchResponse) bool { return r.StatusCode == http.StatusTooManyRequests },
		},
		{
			Name: "captcha_widget", Category: crawler.ProtectionCaptchaRequired, Confidence: 0.85,
			Match: func(r crawler.FetchResponse) bool { return bodyContainsAny(r.Body, captchaMarkers) },
		},
		{
			Name: "challenge_page", Category: crawler.ProtectionBehavioralChallenge, Confidence: 0.8,
			Match: func(r crawler.FetchResponse) bool { return bodyContainsAny(r.Body, challengeMarkers) },
		},
		{
			Name: "perimeterx", Category: crawler.ProtectionBehavioralChallenge, Confidence: 0.8,
			Match: func(r crawler.FetchResponse) bool {
				return headerPrefix(r.Headers, "X-Px") || cookieContains(r.Headers, "_pxhd") ||
					bodyContainsAny(r.Body, []string{"perimeterx"})
			},
		},
		{
			Name: "datadome", Category: crawler.ProtectionBehavioralChallenge, Confidence: 0.75,
			Match: func(r crawler.FetchResponse) bool {
				return headerMentions(r.Headers, "datadome") || cookieContains(r.Headers, "datadome")
			},
		},
		{
			Name: "cloudflare_edge", Category: crawler.ProtectionTLSChallenge, Confidence: 0.6,
			Match: func(r crawler.FetchResponse) bool {
				return r.Headers.Get("Cf-Ray") != "" || r.Headers.Get("Cf-Cache-Status") != ""
			},
		},
		{
			Name: "akamai_edge", Category: crawler.ProtectionTLSChallenge, Confidence: 0.6,
			Match: func(r crawler.FetchResponse) bool {
				return headerPrefix(r.Headers, "X-Akamai") ||
					strings.Contains(strings.ToLower(r.Headers.Get("Server")), "akamaighost")
			},
		},
		{
			Name: "javascript_shell", Category: crawler.ProtectionJavaScriptRequired, Confidence: 0.7,
			Match: javascriptShell,
		},
		{
			Name: "block_phrase", Category: crawler.ProtectionUnknown, Confidence: 0.5,
			Match: func(r crawler.FetchResponse) bool {
				return r.StatusCode == http.StatusForbidden || bodyContainsAny(r.Body, blockPhrases)
			},
		},
	}
}

func javascriptShell(r crawler.FetchResponse) bool {
	if r.StatusCode != http.StatusOK {
		return false
	}
	body := r.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if len(body) >= shortBodyThreshold {
		return false
	}
	return scriptDensityHigh(body) || bodyContainsAny(body, spaMarkers) || bodyContainsAny(body, noscriptMarkers)
}

func bodyContainsAny(body []byte, markers []string) bool {
	if len(body) == 0 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, m := range markers {
		if bytes.Contains(lower, []byte(m)) {
			return true
		}
	}
	return false
}

func headerPrefix(h http.Header, prefix string) bool {
	for k := range h {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func headerMentions(h http.Header, needle string) bool {
	for k, vals := range h {
		if strings.Contains(strings.ToLower(k), needle) {
			return true
		}
		if k == "Set-Cookie" {
			continue
		}
		for _, v := range vals {
			if strings.Contains(strings.ToLower(v), needle) {
				return true
			}
		}
	}
	return false
}

func cookieContains(h http.Header, name string) bool {
	for _, c := range h.Values("Set-Cookie") {
		if strings.Contains(strings.ToLower(c), name) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script elements cover at least a quarter
// of the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered*100/total >= 25
}
