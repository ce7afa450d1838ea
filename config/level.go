// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
)

// Level selects which metric groups are exported, as a bit set
type Level uint32

const (
	MetricsLevelPackage Level = 1 << iota // 1
	MetricsLevelCore                      // 2
	MetricsLevelType                      // 4

	// MetricsLevelAll represents all metric levels combined
	MetricsLevelAll = MetricsLevelPackage | MetricsLevelCore | MetricsLevelType
)

var levelNames = []struct {
	level Level
	name  string
}{
	{MetricsLevelPackage, "package"},
	{MetricsLevelCore, "core"},
	{MetricsLevelType, "type"},
}

func (l Level) names() []string {
	var names []string
	for _, ln := range levelNames {
		if l&ln.level != 0 {
			names = append(names, ln.name)
		}
	}
	return names
}

// String returns the comma separated names of the enabled levels
func (l Level) String() string {
	return strings.Join(l.names(), ",")
}

// IsPackageEnabled checks if per package metrics are enabled
func (l Level) IsPackageEnabled() bool {
	return l&MetricsLevelPackage != 0
}

// IsCoreEnabled checks if per core metrics are enabled
func (l Level) IsCoreEnabled() bool {
	return l&MetricsLevelCore != 0
}

// IsTypeEnabled checks if per core type aggregate metrics are enabled
func (l Level) IsTypeEnabled() bool {
	return l&MetricsLevelType != 0
}

// ParseLevel parses a slice of strings into a Level; empty means all levels
func ParseLevel(levels []string) (Level, error) {
	if len(levels) == 0 {
		return MetricsLevelAll, nil
	}

	var result Level
	for _, level := range levels {
		name := strings.ToLower(strings.TrimSpace(level))
		found := false
		for _, ln := range levelNames {
			if ln.name == name {
				result |= ln.level
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown metrics level: %s", level)
		}
	}
	return result, nil
}

// ValidLevels returns the list of valid metrics levels
func ValidLevels() []string {
	names := make([]string, len(levelNames))
	for i, ln := range levelNames {
		names[i] = ln.name
	}
	return names
}

// MarshalYAML implements yaml.Marshaler interface
func (l Level) MarshalYAML() (any, error) {
	names := l.names()
	if len(names) == 1 {
		return names[0], nil
	}
	return names, nil
}

// UnmarshalYAML implements yaml.Unmarshaler interface
func (l *Level) UnmarshalYAML(unmarshal func(any) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		parsed, err := ParseLevel([]string{single})
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}

	var multiple []string
	if err := unmarshal(&multiple); err == nil {
		parsed, err := ParseLevel(multiple)
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}

	return fmt.Errorf("cannot unmarshal metrics level: must be a string or array of strings")
}
