package service

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode"
)

const (
	maxURLLength = 2048
	maxCodeLen   = 32

	// Keeps expires_in well inside time.Duration range
	maxExpiresIn = 100 * 365 * 24 * 60 * 60
)

var customCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// reservedCodes shadow top-level routes and cannot be used as aliases
var reservedCodes = map[string]struct{}{
	"api":     {},
	"health":  {},
	"metrics": {},
	"qr":      {},
	"shorten": {},
	"stats":   {},
}

// ValidateURL checks that raw is an absolute http(s) URL and returns it trimmed
func ValidateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: url is required", ErrInvalidURL)
	}
	if len(raw) > maxURLLength {
		return "", fmt.Errorf("%w: url exceeds %d bytes", ErrInvalidURL, maxURLLength)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: url does not parse", ErrInvalidURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" || u.Hostname() == "" {
		return "", fmt.Errorf("%w: url must include a host", ErrInvalidURL)
	}
	return raw, nil
}

// validateCustomCode enforces the alias policy: length bounds, alphabet and reserved words
func validateCustomCode(code string, minLen, maxLen int) error {
	if len(code) < minLen || len(code) > maxLen {
		return fmt.Errorf("%w: must be %d to %d characters", ErrInvalidCode, minLen, maxLen)
	}
	if !customCodePattern.MatchString(code) {
		return fmt.Errorf("%w: only letters, digits, '-' and '_' are allowed", ErrInvalidCode)
	}
	if _, ok := reservedCodes[strings.ToLower(code)]; ok {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidCode, code)
	}
	return nil
}

// isResolvableCode reports whether code could ever have been stored:
// 1 to 32 printable characters, no slash, no whitespace.
func isResolvableCode(code string) bool {
	if code == "" || len(code) > maxCodeLen {
		return false
	}
	for _, r := range code {
		if r == '/' || unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// parseExpiry resolves the optional absolute or relative expiry against now.
// At most one of expiresAt and expiresIn may be set.
func parseExpiry(expiresAt *string, expiresIn int64, now time.Time) (*time.Time, error) {
	if expiresAt != nil && expiresIn != 0 {
		return nil, fmt.Errorf("%w: set expires_at or expires_in, not both", ErrInvalidExpiry)
	}

	var t time.Time
	switch {
	case expiresAt != nil:
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(*expiresAt))
		if err != nil {
			return nil, fmt.Errorf("%w: expires_at must be an RFC 3339 timestamp", ErrInvalidExpiry)
		}
		t = parsed.UTC().Truncate(time.Microsecond)
	case expiresIn < 0:
		return nil, fmt.Errorf("%w: expires_in must be positive", ErrInvalidExpiry)
	case expiresIn > maxExpiresIn:
		return nil, fmt.Errorf("%w: expires_in exceeds %d seconds", ErrInvalidExpiry, maxExpiresIn)
	case expiresIn > 0:
		t = now.Add(time.Duration(expiresIn) * time.Second)
	default:
		return nil, nil
	}

	if !t.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrInvalidExpiry)
	}
	return &t, nil
}
