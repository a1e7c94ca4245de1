package loki

import (
	"fmt"
	"sort"
	"strings"
)

// selectorString builds a LogQL stream selector from
// {label, operator, value} triples.
func selectorString(selectors [][3]string) (string, error) {
	parts := make([]string, 0, len(selectors))
	for _, s := range selectors {
		switch s[1] {
		case "=", "!=", "=~", "!~":
		default:
			return "", fmt.Errorf("invalid operator %q for label %q", s[1], s[0])
		}
		if s[0] == "" {
			return "", fmt.Errorf("empty label name")
		}
		parts = append(parts, fmt.Sprintf("%s%s%q", s[0], s[1], s[2]))
	}
	return "{" + strings.Join(parts, ",") + "}", nil
}

// formatLabels renders labels as a sorted selector, used for frame names.
func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
