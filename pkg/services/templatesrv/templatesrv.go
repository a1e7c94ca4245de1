// Package templatesrv expands dashboard template variables in query
// strings. Scoped variables passed with a request take precedence over
// the dashboard level variables registered on the service.
package templatesrv

import (
	"fmt"
	"strings"
	"sync"

	"github.com/grafana/regexp"

	"github.com/grafana/queryrunner/pkg/models"
)

// variableRegex matches $var, [[var]], [[var:fmt]], ${var}, ${var.field} and ${var:fmt}.
var variableRegex = regexp.MustCompile(`\$(\w+)|\[\[(\w+?)(?::(\w+))?\]\]|\$\{(\w+)(?:\.([^:^\}]+))?(?::([^\}]+))?\}`)

// Replacer expands template variables.
type Replacer interface {
	Replace(target string, scopedVars models.ScopedVars) string
}

type Service struct {
	mu        sync.RWMutex
	variables map[string]models.ScopedVar
}

var _ Replacer = (*Service)(nil)

func ProvideService() *Service {
	return &Service{
		variables: make(map[string]models.ScopedVar),
	}
}

// SetVariable registers or replaces a dashboard level variable.
func (s *Service) SetVariable(name string, value models.ScopedVar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variables[name] = value
}

// ContainsTemplate reports whether target references any variable.
func (s *Service) ContainsTemplate(target string) bool {
	return variableRegex.MatchString(target)
}

// Replace expands every known variable in target. Unknown variables are
// left untouched.
func (s *Service) Replace(target string, scopedVars models.ScopedVars) string {
	if target == "" || !strings.ContainsAny(target, "$[") {
		return target
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return variableRegex.ReplaceAllStringFunc(target, func(match string) string {
		groups := variableRegex.FindStringSubmatch(match)
		name, fieldPath, format := groups[1], "", ""
		switch {
		case groups[2] != "":
			name, format = groups[2], groups[3]
		case groups[4] != "":
			name, fieldPath, format = groups[4], groups[5], groups[6]
		}

		v, ok := scopedVars[name]
		if !ok {
			v, ok = s.variables[name]
		}
		if !ok {
			return match
		}
		if fieldPath != "" {
			if fields, isMap := v.Value.(map[string]any); isMap {
				if fv, exists := fields[fieldPath]; exists {
					return fmt.Sprint(fv)
				}
			}
			return match
		}
		return formatValue(v, format)
	})
}

func formatValue(v models.ScopedVar, format string) string {
	if format == "text" {
		return v.Text
	}

	values := toStrings(v.Value)
	switch format {
	case "", "raw", "glob":
		if len(values) == 1 {
			return values[0]
		}
		if format == "glob" {
			return "{" + strings.Join(values, ",") + "}"
		}
		return strings.Join(values, ",")
	case "csv":
		return strings.Join(values, ",")
	case "pipe":
		return strings.Join(values, "|")
	case "regex":
		escaped := make([]string, len(values))
		for i, s := range values {
			escaped[i] = regexp.QuoteMeta(s)
		}
		if len(escaped) == 1 {
			return escaped[0]
		}
		return "(" + strings.Join(escaped, "|") + ")"
	case "json":
		quoted := make([]string, len(values))
		for i, s := range values {
			quoted[i] = fmt.Sprintf("%q", s)
		}
		if len(quoted) == 1 {
			return quoted[0]
		}
		return "[" + strings.Join(quoted, ",") + "]"
	case "singlequote":
		quoted := make([]string, len(values))
		for i, s := range values {
			quoted[i] = "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
		}
		return strings.Join(quoted, ",")
	default:
		return strings.Join(values, ",")
	}
}

func toStrings(value any) []string {
	switch v := value.(type) {
	case nil:
		return []string{""}
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = fmt.Sprint(item)
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}
