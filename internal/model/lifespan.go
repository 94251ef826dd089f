package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var lifeSpanRe = regexp.MustCompile(`^(?:(\d+)d)?(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?$`)

// ParseLifeSpan converts a life span value: a number of seconds or a string like 1d2h3m4s
func ParseLifeSpan(v any) (time.Duration, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return time.Duration(x) * time.Second, nil
	case int:
		return time.Duration(x) * time.Second, nil
	case float64:
		return time.Duration(x * float64(time.Second)), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(f * float64(time.Second)), nil
		}
		m := lifeSpanRe.FindStringSubmatch(s)
		if m == nil {
			return 0, fmt.Errorf("value %q is not a life span, e.g. 1d2h3m4s", s)
		}
		units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
		var d time.Duration
		for i, unit := range units {
			if m[i+1] == "" {
				continue
			}
			n, err := strconv.ParseInt(m[i+1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("value %q is not a life span: %w", s, err)
			}
			d += time.Duration(n) * unit
		}
		return d, nil
	}
	return 0, fmt.Errorf("life span must be a number or a string, got %T", v)
}
