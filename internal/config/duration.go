package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrBadDuration = errors.New("invalid duration")

// ParseDuration reads a duration from a config file or a schedule payload.
// Bare numbers, as JSON numbers or numeric strings, are seconds; anything
// else must be a Go duration such as "1m30s". nil and "" are zero.
func ParseDuration(v any) (time.Duration, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return seconds(x), nil
	case int:
		return time.Duration(x) * time.Second, nil
	case int64:
		return time.Duration(x) * time.Second, nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrBadDuration, x.String())
		}
		return seconds(f), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return seconds(f), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrBadDuration, x)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrBadDuration, v)
	}
}

func seconds(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

// ParseDurationField parses the config field at path. Negative values are
// rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	d, err := ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero
// values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
