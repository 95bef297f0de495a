package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// TimeOfDay is a wall-clock instant within a planning day, in seconds since midnight.
// Values past 24:00 are allowed so a late return can still be represented.
type TimeOfDay int

const (
	Minute TimeOfDay = 60
	Hour   TimeOfDay = 60 * Minute
)

// Clock builds a TimeOfDay from hours, minutes and seconds.
func Clock(h, m, s int) TimeOfDay {
	return TimeOfDay(h*3600 + m*60 + s)
}

// Minutes converts whole minutes to a TimeOfDay offset.
func Minutes(n int) TimeOfDay { return TimeOfDay(n * 60) }

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("parse time of day %q: want HH:MM or HH:MM:SS", s)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("parse time of day %q: bad component %q", s, p)
		}
		vals[i] = n
	}
	if vals[1] > 59 || vals[2] > 59 {
		return 0, fmt.Errorf("parse time of day %q: minutes and seconds must be < 60", s)
	}
	return Clock(vals[0], vals[1], vals[2]), nil
}

// MustParseTimeOfDay panics on malformed input. Intended for tests and constants.
func MustParseTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string {
	sign := ""
	v := int(t)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, v/3600, (v%3600)/60, v%60)
}

// AddMinutes returns t shifted by n minutes.
func (t TimeOfDay) AddMinutes(n int) TimeOfDay { return t + Minutes(n) }

// CeilTo rounds t up to the next multiple of step. Values already on a boundary are kept.
func (t TimeOfDay) CeilTo(step TimeOfDay) TimeOfDay {
	if step <= 0 {
		return t
	}
	r := t % step
	if r == 0 {
		return t
	}
	if t < 0 {
		return t - r
	}
	return t + step - r
}

// MinutesUntil returns whole minutes from t to u, truncated toward zero.
func (t TimeOfDay) MinutesUntil(u TimeOfDay) int { return int(u-t) / 60 }

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("time of day must be a string: %w", err)
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}
