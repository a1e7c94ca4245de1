package models

import (
	"strings"
	"time"
)

// RawTimeRange is the range as the user entered it, e.g. now-6h to now.
type RawTimeRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// IsRelative reports whether either end refers to the current time.
func (r RawTimeRange) IsRelative() bool {
	return isRelative(r.From) || isRelative(r.To)
}

func isRelative(s string) bool {
	return strings.Contains(s, "now") || IsBareDuration(s)
}

// IsBareDuration reports whether s is a duration such as 15m or 7d, which
// as a range boundary means that long before now.
func IsBareDuration(s string) bool {
	num := strings.TrimRight(s, "smhdwMy")
	unit := s[len(num):]
	if num == "" || (unit != "ms" && len(unit) != 1) {
		return false
	}
	for _, c := range num {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// TimeRange is an absolute range together with its raw form.
type TimeRange struct {
	From time.Time    `json:"from"`
	To   time.Time    `json:"to"`
	Raw  RawTimeRange `json:"raw"`
}

// Duration returns To - From.
func (tr TimeRange) Duration() time.Duration {
	return tr.To.Sub(tr.From)
}
