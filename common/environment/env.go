// Package environment overlays configuration values with environment
// variables.
//
// Every setter follows the same pattern: when the named variable is set to a
// non-empty, parseable value it overwrites *dst; otherwise *dst is left as-is.
// This lets callers apply defaults and file-based config first and let the
// environment win last. Parse failures are reported rather than silently
// ignored so that a typo in a deployment manifest surfaces at startup.
package environment

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// String overwrites *dst with the named variable when it is non-empty.
func String(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

// Int overwrites *dst with the named variable parsed as a decimal integer.
func Int(dst *int, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", name, v)
	}
	*dst = n
	return nil
}

// Bool overwrites *dst with the named variable parsed by strconv.ParseBool.
func Bool(dst *bool, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", name, v)
	}
	*dst = b
	return nil
}

// Duration overwrites *dst with the named variable parsed as a
// time.Duration (e.g. "30s", "5m", "1h").
func Duration(dst *time.Duration, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", name, v)
	}
	*dst = d
	return nil
}

// StringSlice overwrites *dst with the named variable split on commas, with
// whitespace trimmed and empty elements dropped.
func StringSlice(dst *[]string, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

// Collect runs setters that may fail and joins their errors.
func Collect(errs ...error) error {
	return errors.Join(errs...)
}
