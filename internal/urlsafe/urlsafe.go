// Package urlsafe validates and sanitizes user-submitted URLs before they are
// shortened. All functions are pure and side-effect free; callers run them as a
// pipeline: Sanitize -> Validate -> SecurityCheck -> DomainAllowed.
package urlsafe

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// MaxURLLength is the maximum accepted URL length.
const MaxURLLength = 2048

// dangerousSchemes are rejected as case-insensitive prefixes of the raw input,
// before URL parsing, so malformed-but-dangerous values never slip through.
var dangerousSchemes = []string{
	"javascript:",
	"data:",
	"file:",
	"vbscript:",
	"about:",
	"blob:",
}

// suspiciousFragments is a heuristic blacklist of substrings checked against
// the lower-cased URL. It is not a parser-based defense.
var suspiciousFragments = []string{
	"<script",
	"</script",
	"eval(",
	"document.cookie",
	"javascript:",
	"onerror=",
	"onload=",
	"onclick=",
	"<iframe",
	"base64,",
}

// shortenerDomains lists known URL shorteners whose links are rejected to
// prevent shortener chains.
var shortenerDomains = []string{
	"bit.ly",
	"tinyurl.com",
	"t.co",
	"goo.gl",
	"ow.ly",
	"is.gd",
	"buff.ly",
	"rebrand.ly",
}

// privatePrefixes are host prefixes blocked in production mode. Coarse prefix
// matching, not full CIDR arithmetic: 172.16-172.31 are listed individually
// and link-local / IPv6 private ranges are intentionally not covered.
var privatePrefixes = buildPrivatePrefixes()

func buildPrivatePrefixes() []string {
	prefixes := []string{"10.", "192.168.", "127."}
	for i := 16; i <= 31; i++ {
		prefixes = append(prefixes, fmt.Sprintf("172.%d.", i))
	}
	return prefixes
}

// Sanitize trims surrounding whitespace and prepends https:// when the input
// carries no scheme.
func Sanitize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	return s
}

// Validate parses the URL and rejects unsafe schemes, over-long input, and
// empty hosts. In production mode it also rejects localhost/loopback hosts
// and private-network addresses.
func Validate(raw string, production bool) error {
	if raw == "" {
		return errors.New("url cannot be empty")
	}
	if len(raw) > MaxURLLength {
		return fmt.Errorf("url too long (max %d characters)", MaxURLLength)
	}

	lower := strings.ToLower(strings.TrimSpace(raw))
	for _, scheme := range dangerousSchemes {
		if strings.HasPrefix(lower, scheme) {
			return fmt.Errorf("url scheme %q is not allowed", strings.TrimSuffix(scheme, ":"))
		}
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return errors.New("invalid url format")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	if parsed.Hostname() == "" {
		return errors.New("url must include host")
	}

	if production {
		if err := checkHostReachable(parsed.Hostname()); err != nil {
			return err
		}
	}
	return nil
}

func checkHostReachable(host string) error {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return errors.New("url host cannot be localhost")
	}
	for _, prefix := range privatePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return errors.New("url host cannot be a private network address")
		}
	}
	return nil
}

// SecurityCheck rejects URLs containing suspicious substrings associated with
// script injection.
func SecurityCheck(raw string) error {
	lower := strings.ToLower(raw)
	for _, fragment := range suspiciousFragments {
		if strings.Contains(lower, fragment) {
			return errors.New("url contains disallowed content")
		}
	}
	return nil
}

// DomainAllowed rejects hosts belonging to known URL shorteners, including
// their subdomains.
func DomainAllowed(host string) error {
	lower := strings.ToLower(host)
	for _, domain := range shortenerDomains {
		if lower == domain || strings.HasSuffix(lower, "."+domain) {
			return fmt.Errorf("shortening links from %s is not allowed", domain)
		}
	}
	return nil
}

// Check runs the full pipeline and returns the sanitized URL on success.
func Check(raw string, production bool) (string, error) {
	sanitized := Sanitize(raw)
	if err := Validate(sanitized, production); err != nil {
		return "", err
	}
	if err := SecurityCheck(sanitized); err != nil {
		return "", err
	}

	parsed, err := url.Parse(sanitized)
	if err != nil {
		return "", errors.New("invalid url format")
	}
	if err := DomainAllowed(parsed.Hostname()); err != nil {
		return "", err
	}
	return sanitized, nil
}
