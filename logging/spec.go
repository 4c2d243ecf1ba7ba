package logging

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Spec is a parsed verbosity specification: a base level plus
// per-component overrides.
//
// The string form is "<level>[,<component>=<level>]...", for example
// "info", "debug,adb=warn" or "info,gdb=trace,kernel=debug". The base
// level, when given, must come first.
type Spec struct {
	BaseLevel  Level
	Components map[string]Level
}

// ParseSpec parses a spec string. The empty string yields info with no
// overrides.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{
		BaseLevel:  LevelInfo,
		Components: make(map[string]Level),
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return spec, nil
	}

	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, levelStr, isOverride := strings.Cut(part, "=")
		if !isOverride {
			if i != 0 {
				return spec, fmt.Errorf("base level %q must come first", part)
			}
			level, err := ParseLevel(part)
			if err != nil {
				return spec, err
			}
			spec.BaseLevel = level
			continue
		}

		name = strings.TrimSpace(name)
		if name == "" {
			return spec, fmt.Errorf("empty component name in %q", part)
		}
		level, err := ParseLevel(levelStr)
		if err != nil {
			return spec, fmt.Errorf("component %q: %w", name, err)
		}
		spec.Components[name] = level
	}

	return spec, nil
}

// LevelFor returns the override for component if one exists, the base
// level otherwise.
func (s *Spec) LevelFor(component string) Level {
	if level, ok := s.Components[component]; ok {
		return level
	}
	return s.BaseLevel
}

// String renders the spec in parseable form with components sorted.
func (s *Spec) String() string {
	parts := []string{s.BaseLevel.String()}
	for _, name := range slices.Sorted(maps.Keys(s.Components)) {
		parts = append(parts, fmt.Sprintf("%s=%s", name, s.Components[name]))
	}
	return strings.Join(parts, ",")
}
