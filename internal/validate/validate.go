// Package validate normalizes and checks every user-supplied field before it
// reaches the engine. Rules are deliberately strict: values are trimmed and
// canonicalized here so the rest of the system only ever sees clean input.
package validate

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

const (
	StoryTextMin = 50
	StoryTextMax = 5000
	WalletMin    = 32
	WalletMax    = 64
	CountryMin   = 2
	CountryMax   = 64
	TaskTextMin  = 10
	TaskTextMax  = 500
	NoteMax      = 280
	SearchMax    = 50
	PasswordMin  = 8
	PasswordMax  = 128
)

var (
	usernameRe  = regexp.MustCompile(`^[a-z0-9_]{1,15}$`)
	proofPathRe = regexp.MustCompile(`^/[A-Za-z0-9_]{1,15}/status/[0-9]+/?$`)
	base58Re    = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
	emailRe     = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// XUsername canonicalizes a handle: trim, strip one leading @, lowercase.
// The result must be 1 to 15 characters of [a-z0-9_].
func XUsername(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	v = strings.TrimPrefix(v, "@")
	v = strings.ToLower(v)
	if !usernameRe.MatchString(v) {
		return "", errors.New("X username must be 1-15 characters: letters, digits, underscore.")
	}
	return v, nil
}

// ProofURL accepts only links to a status on x.com or twitter.com.
func ProofURL(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	u, err := url.Parse(v)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errors.New("Proof must be a valid URL.")
	}
	host := strings.ToLower(u.Hostname())
	if host != "x.com" && host != "twitter.com" &&
		!strings.HasSuffix(host, ".x.com") && !strings.HasSuffix(host, ".twitter.com") {
		return "", errors.New("Proof must link to a post on x.com or twitter.com.")
	}
	if !proofPathRe.MatchString(u.Path) {
		return "", errors.New("Proof must link to a specific post (a /status/ URL).")
	}
	return v, nil
}

// StoryText enforces the 50-5000 character window after trimming.
func StoryText(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if len(v) < StoryTextMin || len(v) > StoryTextMax {
		return "", errors.New("Story must be between 50 and 5000 characters.")
	}
	return v, nil
}

// Wallet checks a base58 Solana address of plausible length.
func Wallet(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if len(v) < WalletMin || len(v) > WalletMax || !base58Re.MatchString(v) {
		return "", errors.New("Wallet must be a valid Solana address.")
	}
	return v, nil
}

// Country accepts any trimmed 2-64 character value.
func Country(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if len(v) < CountryMin || len(v) > CountryMax {
		return "", errors.New("Country must be between 2 and 64 characters.")
	}
	return v, nil
}

// TaskText enforces the 10-500 character window for assignment instructions.
func TaskText(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if len(v) < TaskTextMin || len(v) > TaskTextMax {
		return "", errors.New("Task must be between 10 and 500 characters.")
	}
	return v, nil
}

// DecisionNote is optional; when present it is trimmed and capped.
func DecisionNote(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if len(v) > NoteMax {
		return "", errors.New("Note must be at most 280 characters.")
	}
	return v, nil
}

// Search trims the query and caps it so LIKE scans stay bounded.
func Search(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if len(v) > SearchMax {
		return "", errors.New("Search query must be at most 50 characters.")
	}
	return v, nil
}

// Email lowercases and checks the address shape.
func Email(raw string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if !emailRe.MatchString(v) {
		return "", errors.New("Enter a valid email address.")
	}
	return v, nil
}

// Password enforces the 8-128 character window. No trimming: whitespace
// inside a password is the user's business.
func Password(raw string) (string, error) {
	if len(raw) < PasswordMin || len(raw) > PasswordMax {
		return "", errors.New("Password must be between 8 and 128 characters.")
	}
	return raw, nil
}

// BootstrapPassword guards the seeded admin credential: longer than a normal
// password and required to carry both marker characters.
func BootstrapPassword(raw string) error {
	if len(raw) < 14 || !strings.Contains(raw, "$") || !strings.Contains(raw, "&") {
		return errors.New("Bootstrap password must be at least 14 characters and contain both '$' and '&'.")
	}
	return nil
}

// StatusFilter narrows the list filter to a known status or "all".
func StatusFilter(raw string) (string, error) {
	v := strings.TrimSpace(strings.ToLower(raw))
	if v == "" {
		return "all", nil
	}
	switch v {
	case "all", "normal", "pending", "approved", "rejected":
		return v, nil
	}
	return "", errors.New("Status must be one of: all, normal, pending, approved, rejected.")
}

// Page clamps the page number to at least 1.
func Page(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// PageSize clamps to the 1-50 window, defaulting to 20.
func PageSize(n int) int {
	if n <= 0 {
		return 20
	}
	if n > 50 {
		return 50
	}
	return n
}
