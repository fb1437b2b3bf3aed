package config

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that decodes from Go duration strings
// ("90s", "2m") or from a bare number of seconds, as environment
// variables often carry.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))

	var v time.Duration
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		v = time.Duration(secs) * time.Second
	} else if v, err = time.ParseDuration(s); err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	if v < 0 {
		return fmt.Errorf("invalid duration %q: negative", s)
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration as a Go duration string. encoding/json
// uses it too, so durations round-trip through JSON as strings.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Secret is a credential such as a provider API key. Its value is only
// reachable through Value; every formatting and encoding path emits a mask.
type Secret string

const secretMask = "[REDACTED]"

// Value returns the raw credential.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether a credential was configured.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) String() string {
	if !s.IsSet() {
		return ""
	}
	return secretMask
}

// Format masks the value for every verb, including %#v and %q.
func (s Secret) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, s.String())
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(strings.TrimSpace(string(text)))
	return nil
}
