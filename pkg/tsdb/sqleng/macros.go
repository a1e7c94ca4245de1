package sqleng

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend/gtime"
	"github.com/grafana/regexp"

	"github.com/grafana/queryrunner/pkg/models"
)

var (
	macroRegex    = regexp.MustCompile(`\$__(\w+)\(([^\)]*)\)`)
	intervalRegex = regexp.MustCompile(`\$__interval(_ms)?\b`)
)

// interpolate expands the time macros of sql against the request.
// Times are unix seconds.
//
//	$__interval_ms            request interval in ms
//	$__interval               request interval as text, e.g. 1m
//	$__timeFrom()             from
//	$__timeTo()               to
//	$__timeFilter(col)        col BETWEEN from AND to
//	$__timeGroup(col, '5m')   (col / 300) * 300
//
// Interval variables are expanded first so they can be used as macro
// arguments.
func interpolate(sql string, req *models.DataQueryRequest) (string, error) {
	from := req.Range.From.Unix()
	to := req.Range.To.Unix()

	intervalMs := req.IntervalMs
	intervalText := req.Interval
	if intervalText == "" {
		intervalText = gtime.FormatInterval(time.Duration(intervalMs) * time.Millisecond)
	}
	sql = intervalRegex.ReplaceAllStringFunc(sql, func(match string) string {
		if strings.HasSuffix(match, "_ms") {
			return strconv.FormatInt(intervalMs, 10)
		}
		return intervalText
	})

	var macroErr error
	sql = macroRegex.ReplaceAllStringFunc(sql, func(match string) string {
		groups := macroRegex.FindStringSubmatch(match)
		name := groups[1]
		args := splitArgs(groups[2])

		switch name {
		case "timeFrom":
			return strconv.FormatInt(from, 10)
		case "timeTo":
			return strconv.FormatInt(to, 10)
		case "timeFilter":
			if len(args) != 1 {
				macroErr = errMacro.Errorf("$__timeFilter expects one argument, got %d", len(args))
				return match
			}
			return fmt.Sprintf("%s BETWEEN %d AND %d", args[0], from, to)
		case "timeGroup":
			if len(args) != 2 {
				macroErr = errMacro.Errorf("$__timeGroup expects two arguments, got %d", len(args))
				return match
			}
			d, err := gtime.ParseInterval(strings.Trim(args[1], `'"`))
			if err != nil || d < time.Second {
				macroErr = errMacro.Errorf("invalid $__timeGroup interval %q", args[1])
				return match
			}
			secs := int64(d / time.Second)
			return fmt.Sprintf("(%s / %d) * %d", args[0], secs, secs)
		default:
			macroErr = errMacro.Errorf("unknown macro $__%s", name)
			return match
		}
	})
	if macroErr != nil {
		return "", macroErr
	}
	return sql, nil
}

func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
