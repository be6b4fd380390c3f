package channel

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidFilter = errors.New("invalid topic filter")

// ValidateFilter checks an MQTT-style subscription filter. "+" matches one
// level and "#" matches the remaining levels; "#" must be the last level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFilter)
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("%w: %q must end with #", ErrInvalidFilter, filter)
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: %q mixes wildcards into a level", ErrInvalidFilter, filter)
		}
	}

	return nil
}

// MatchTopic reports whether topic is covered by filter.
func MatchTopic(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")

	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}

	return len(f) == len(t)
}
