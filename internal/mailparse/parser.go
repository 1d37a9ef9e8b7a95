// Package mailparse turns raw upstream messages into structured
// notification payloads: extracted action links ranked by intent,
// one-time codes, and a short intro excerpt.
package mailparse

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"mailgram/internal/mailtm"
)

// Payload is the parsed, ready-to-deliver form of one message.
// Transient; produced here, consumed by the sender, never persisted.
type Payload struct {
	Subject string
	From    string
	Intro   string
	Codes   []string
	// Links are action links ordered by priority (activation first).
	Links []string
	// Labels maps a link to its button label.
	Labels map[string]string
}

type Config struct {
	MaxLinks   int
	MaxCodes   int
	IntroLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxLinks <= 0 {
		c.MaxLinks = 5
	}
	if c.MaxCodes <= 0 {
		c.MaxCodes = 10
	}
	if c.IntroLimit <= 0 {
		c.IntroLimit = 500
	}
	return c
}

type Parser struct {
	cfg Config
}

func New(cfg Config) *Parser {
	return &Parser{cfg: cfg.withDefaults()}
}

var (
	urlPattern  = regexp.MustCompile(`(?i)https?://[^\s<>"')\]]+`)
	hrefPattern = regexp.MustCompile(`(?i)href=["']?(https?://[^"'>\s]+)["']?`)
	// <a href="url">text</a>; the text becomes the button label.
	hrefWithText = regexp.MustCompile(`(?is)<a[^>]*href=["']?(https?://[^"'>\s]+)["']?[^>]*>([^<]{1,40})</a>`)
	tagPattern   = regexp.MustCompile(`<[^>]+>`)
	wsPattern    = regexp.MustCompile(`\s+`)
)

// Ordered: fixed-length digit runs first, then explicit code phrases.
var codePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(\d{6})\b`),
	regexp.MustCompile(`\b(\d{4})\b`),
	regexp.MustCompile(`\b(\d{8})\b`),
	regexp.MustCompile(`(?i)code[:\s]+([A-Za-z0-9]{4,12})`),
	regexp.MustCompile(`(?i)verification[:\s]+([A-Za-z0-9]{4,12})`),
	regexp.MustCompile(`(?i)otp[:\s]+([A-Za-z0-9]{4,12})`),
	regexp.MustCompile(`(?i)activate[:\s]+([A-Za-z0-9]{4,12})`),
	regexp.MustCompile(`(?i)([A-Za-z0-9]{6,12})\s*(?:is your|code)`),
}

// Common words and HTML-markup tokens that the code patterns tend to catch.
var codeStoplist = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"team", "logo", "started", "paste", "below", "message", "reserved", "medium",
		"click", "here", "link", "view", "open", "read", "more", "less", "some",
		"your", "this", "that", "with", "from", "have", "been", "will", "would",
		"could", "should", "about", "into", "only", "over", "such", "than",
		"them", "they", "when", "where", "which", "while", "after", "before",
		"right", "left", "back", "next", "then", "just", "also", "very",
		"html", "body", "head", "span", "div", "font", "size", "color",
		"width", "height", "style", "class", "href", "http", "https",
	} {
		codeStoplist[w] = struct{}{}
	}
}

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico"}

var trackingFragments = []string{
	"/pixel", "tracking", "analytics", "pixel.", "unsubscribe", "open?",
	"cdn.", "static.", "img.", "images.", "assets.", "logo.", "icon.",
}

// Parse produces the notification payload for one message. Pure and
// deterministic; detail may be nil when only the summary is available.
func (p *Parser) Parse(sum mailtm.MessageSummary, detail *mailtm.MessageDetail) Payload {
	subject := strings.TrimSpace(sum.Subject)
	if subject == "" {
		subject = "(no subject)"
	}

	var (
		text          string
		html          []string
		verifications []string
	)
	if detail != nil {
		text = detail.Text
		html = detail.HTML
		verifications = detail.Verifications
	}
	if text == "" {
		text = sum.Intro
	}
	if len(html) == 0 && sum.Intro != "" {
		html = []string{sum.Intro}
	}

	links := p.extractLinks(text, html, verifications)

	return Payload{
		Subject: subject,
		From:    sum.From.Address,
		Intro:   truncateRunes(sum.Intro, p.cfg.IntroLimit),
		Codes:   p.extractCodes(text),
		Links:   links,
		Labels:  extractLinkLabels(html),
	}
}

// extractLinks collects unique absolute URLs from the text and HTML bodies,
// drops image/tracking URLs, ranks the rest by activation intent, prepends
// upstream-supplied verification links, and caps the result.
func (p *Parser) extractLinks(text string, html, verifications []string) []string {
	seen := map[string]struct{}{}
	var candidates []string
	add := func(raw string) {
		u := strings.TrimRight(raw, ".,;:!)")
		if u == "" || len(u) >= 500 {
			return
		}
		if _, dup := seen[u]; dup {
			return
		}
		seen[u] = struct{}{}
		if isImageOrTracking(u) {
			return
		}
		candidates = append(candidates, u)
	}

	for _, m := range urlPattern.FindAllString(text, -1) {
		add(m)
	}
	for _, m := range hrefPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, block := range html {
		for _, m := range urlPattern.FindAllString(block, -1) {
			add(m)
		}
		for _, m := range hrefPattern.FindAllStringSubmatch(block, -1) {
			add(m[1])
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return linkPriority(candidates[i]) < linkPriority(candidates[j])
	})

	// Upstream-extracted verification links outrank everything.
	for i := len(verifications) - 1; i >= 0; i-- {
		v := verifications[i]
		if !strings.HasPrefix(v, "http") {
			continue
		}
		if _, dup := seen[v]; dup {
			// Already a candidate; move it to the front.
			for j, c := range candidates {
				if c == v {
					candidates = append(candidates[:j], candidates[j+1:]...)
					break
				}
			}
		}
		seen[v] = struct{}{}
		candidates = append([]string{v}, candidates...)
	}

	if len(candidates) > p.cfg.MaxLinks {
		candidates = candidates[:p.cfg.MaxLinks]
	}
	return candidates
}

// linkPriority ranks a URL: 0 activation/verification, 1 signup/auth, 2 rest.
func linkPriority(url string) int {
	u := strings.ToLower(url)
	for _, kw := range []string{"activate", "activation", "verify", "verification", "confirm", "confirmation"} {
		if strings.Contains(u, kw) {
			return 0
		}
	}
	for _, kw := range []string{"signup", "sign-up", "register", "token", "auth"} {
		if strings.Contains(u, kw) {
			return 1
		}
	}
	return 2
}

func isImageOrTracking(url string) bool {
	u := strings.ToLower(url)
	base := u
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	for _, ext := range imageExtensions {
		if strings.HasSuffix(base, ext) || strings.Contains(base, ext) {
			return true
		}
	}
	for _, frag := range trackingFragments {
		if strings.Contains(u, frag) {
			return true
		}
	}
	return false
}

// ButtonLabel returns a human-readable label for a link button. anchorText
// comes from the source HTML when one was captured.
func ButtonLabel(url, anchorText string) string {
	if anchorText != "" {
		clean := strings.TrimSpace(wsPattern.ReplaceAllString(anchorText, " "))
		if clean != "" && len(clean) <= 35 && !strings.HasPrefix(clean, "http") {
			return clean
		}
	}
	u := strings.ToLower(url)
	switch {
	case strings.Contains(u, "activate") || strings.Contains(u, "activation"):
		return "Activate"
	case strings.Contains(u, "verify") || strings.Contains(u, "verification"):
		return "Confirm"
	case strings.Contains(u, "confirm") || strings.Contains(u, "confirmation"):
		return "Confirm"
	case strings.Contains(u, "signup") || strings.Contains(u, "sign-up") || strings.Contains(u, "register"):
		return "Register"
	case strings.Contains(u, "signin") || strings.Contains(u, "login") || strings.Contains(u, "welcome"):
		return "Log in"
	}
	if len(url) <= 40 {
		return url
	}
	return "Open link"
}

// extractLinkLabels maps url -> anchor text from <a> tags in the HTML bodies.
func extractLinkLabels(html []string) map[string]string {
	labels := map[string]string{}
	for _, block := range html {
		for _, m := range hrefWithText.FindAllStringSubmatch(block, -1) {
			url := strings.TrimRight(m[1], ".,;:!)")
			text := strings.TrimSpace(tagPattern.ReplaceAllString(m[2], ""))
			if url == "" || text == "" {
				continue
			}
			if _, dup := labels[url]; dup {
				continue
			}
			labels[url] = truncateRunes(text, 35)
		}
	}
	return labels
}

// extractCodes pulls verification-code-like tokens from the text, skipping
// common words and markup tokens, preferring matches that contain a digit
// or are long enough to be unlikely ordinary words.
func (p *Parser) extractCodes(text string) []string {
	if text == "" {
		return nil
	}
	seen := map[string]struct{}{}
	var codes []string
	for _, pat := range codePatterns {
		for _, m := range pat.FindAllStringSubmatch(text, -1) {
			code := m[1]
			if len(code) < 4 || len(code) > 12 {
				continue
			}
			if _, stop := codeStoplist[strings.ToLower(code)]; stop {
				continue
			}
			if !hasDigit(code) && len(code) < 7 {
				continue
			}
			if _, dup := seen[code]; dup {
				continue
			}
			seen[code] = struct{}{}
			codes = append(codes, code)
			if len(codes) >= p.cfg.MaxCodes {
				return codes
			}
		}
	}
	return codes
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
