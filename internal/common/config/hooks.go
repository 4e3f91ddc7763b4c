package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// DurationRange is an inclusive [Min, Max] interval of durations.
// In config files it may be written either as a map with min/max keys or as a string "45m..60m".
type DurationRange struct {
	Min time.Duration `validate:"gte=0"`
	Max time.Duration `validate:"gtefield=Min"`
}

func (r DurationRange) String() string {
	return fmt.Sprintf("%s..%s", r.Min, r.Max)
}

// Contains reports whether d lies within the range, bounds included.
func (r DurationRange) Contains(d time.Duration) bool {
	return d >= r.Min && d <= r.Max
}

func ParseDurationRange(s string) (DurationRange, error) {
	parts := strings.Split(s, "..")
	if len(parts) != 2 {
		return DurationRange{}, fmt.Errorf("invalid duration range %q: expected <min>..<max>", s)
	}
	min, err := time.ParseDuration(strings.TrimSpace(parts[0]))
	if err != nil {
		return DurationRange{}, fmt.Errorf("invalid duration range %q: %v", s, err)
	}
	max, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil {
		return DurationRange{}, fmt.Errorf("invalid duration range %q: %v", s, err)
	}
	if max < min {
		return DurationRange{}, fmt.Errorf("invalid duration range %q: max is less than min", s)
	}
	return DurationRange{Min: min, Max: max}, nil
}

func DurationRangeDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(DurationRange{}) {
			return data, nil
		}
		return ParseDurationRange(data.(string))
	}
}
