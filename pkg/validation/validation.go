package validation

import (
	"errors"
	"net/url"
	"regexp"
	"strings"

	"github.com/forPelevin/gomoji"
	"github.com/rivo/uniseg"
)

const (
	instanceNameMinLength = 3
	instanceNameMaxLength = 64
)

var (
	phonePattern        = regexp.MustCompile(`^[1-9][0-9]{5,15}$`)
	instanceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
)

// ValidateInstanceName ensures a session name is safe to use as a provider
// path segment and as the global storage key.
func ValidateInstanceName(name string) error {
	if strings.TrimSpace(name) != name || name == "" {
		return errors.New("instance_name is required and must not have surrounding spaces")
	}
	if gomoji.ContainsEmoji(name) {
		return errors.New("instance_name must not contain emoji")
	}
	length := uniseg.GraphemeClusterCount(name)
	if length < instanceNameMinLength || length > instanceNameMaxLength {
		return errors.New("instance_name must be between 3 and 64 characters")
	}
	if !instanceNamePattern.MatchString(name) {
		return errors.New("instance_name may only contain letters, digits, '.', '_' and '-'")
	}
	return nil
}

// ValidatePhone ensures international format (no leading 0, digits only, length 6-16).
func ValidatePhone(phone string) error {
	trimmed := strings.TrimPrefix(strings.TrimSpace(phone), "+")
	if trimmed == "" {
		return errors.New("phone number cannot be empty")
	}
	if strings.HasPrefix(trimmed, "0") {
		return errors.New("phone number must be in international format without leading 0")
	}
	if !phonePattern.MatchString(trimmed) {
		return errors.New("phone number must be digits only and at least 6 characters")
	}
	return nil
}

// NormalizePhone strips provider decorations such as "+", "@c.us" or a
// ":device" suffix and returns the bare digits, or "" if nothing valid remains.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if user, _, ok := strings.Cut(raw, "@"); ok {
		raw = user
	}
	if user, _, ok := strings.Cut(raw, ":"); ok {
		raw = user
	}
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if ValidatePhone(digits) != nil {
		return ""
	}
	return digits
}

// ValidateURL ensures a non-empty valid absolute http(s) URL.
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("url cannot be empty")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" {
		return errors.New("url must be valid")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url must use http or https")
	}
	return nil
}
