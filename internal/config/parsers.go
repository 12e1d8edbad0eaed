package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/torosent/barrage/internal/schedule"
)

// lookupSetting returns the first of candidates present in settings. Viper
// lowercases keys, so every candidate is also tried in lower case.
func lookupSetting(settings map[string]any, candidates ...string) (any, bool) {
	for _, key := range candidates {
		if val, ok := settings[key]; ok {
			return val, true
		}
		if val, ok := settings[strings.ToLower(key)]; ok {
			return val, true
		}
	}
	return nil, false
}

func asString(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}

// asInt64 accepts the integer shapes viper produces from YAML, JSON and
// TOML. JSON numbers arrive as float64 and must be whole.
func asInt64(value any) (int64, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%v is not a whole number", v)
		}
		return int64(v), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, nil
		}
		return strconv.ParseInt(s, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", value)
	}
}

func asInt(value any) (int, error) {
	n, err := asInt64(value)
	return int(n), err
}

func asFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, nil
		}
		return strconv.ParseFloat(s, 64)
	default:
		n, err := asInt64(value)
		return float64(n), err
	}
}

func asBool(value any) (bool, error) {
	switch v := value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return false, nil
		}
		return strconv.ParseBool(s)
	default:
		return false, fmt.Errorf("unsupported boolean type %T", value)
	}
}

// asDuration reads strings as Go durations or bare seconds, and numbers as
// seconds, possibly fractional.
func asDuration(value any) (time.Duration, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, nil
		}
		return schedule.ParseDuration(v)
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		n, err := asInt64(value)
		if err != nil {
			return 0, fmt.Errorf("unsupported duration type %T", value)
		}
		return time.Duration(n) * time.Second, nil
	}
}

func asStringMap(value any) (map[string]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		return v, nil
	case map[string]any:
		result := make(map[string]string, len(v))
		for key, val := range v {
			if strings.TrimSpace(key) == "" {
				return nil, fmt.Errorf("map key cannot be empty")
			}
			str, _ := asString(val)
			result[key] = str
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported map type %T", value)
	}
}

// asStringSlice accepts a list or a single string.
func asStringSlice(value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case string:
		return []string{v}, nil
	case []any:
		result := make([]string, len(v))
		for i, item := range v {
			result[i], _ = asString(item)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported string slice type %T", value)
	}
}

// toStringKeyMap lowercases and trims the keys of a settings section.
func toStringKeyMap(value any) (map[string]any, error) {
	v, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected map, got %T", value)
	}
	result := make(map[string]any, len(v))
	for key, val := range v {
		result[strings.ToLower(strings.TrimSpace(key))] = val
	}
	return result, nil
}
