package config

import (
	"fmt"
	"strings"
	"time"

	"tankctl/internal/clock"
)

// ParseDurationField parses a non-negative Go duration. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseTimeOfDayOrDefault parses an "HH:MM" field.
func ParseTimeOfDayOrDefault(path, raw string, def clock.TimeOfDay) (clock.TimeOfDay, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	t, err := clock.ParseTimeOfDay(s)
	if err != nil {
		return clock.TimeOfDay{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// LoadLocation resolves the configured timezone, defaulting to DefaultTimezone.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone: invalid %q: %w", name, err)
	}
	return loc, nil
}
