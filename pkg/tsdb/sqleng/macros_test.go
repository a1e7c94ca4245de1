package sqleng

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grafana/queryrunner/pkg/models"
)

func TestInterpolate(t *testing.T) {
	req := &models.DataQueryRequest{
		Range:      models.TimeRange{From: time.Unix(1000, 0), To: time.Unix(2000, 0)},
		IntervalMs: 15000,
	}

	tcs := []struct {
		name string
		sql  string
		exp  string
		err  error
	}{
		{name: "no macros", sql: "SELECT 1", exp: "SELECT 1"},
		{name: "time from and to", sql: "SELECT $__timeFrom(), $__timeTo()", exp: "SELECT 1000, 2000"},
		{name: "time filter", sql: "WHERE $__timeFilter(ts) AND x = 1", exp: "WHERE ts BETWEEN 1000 AND 2000 AND x = 1"},
		{name: "time group", sql: "SELECT $__timeGroup(ts, 5m) AS time", exp: "SELECT (ts / 300) * 300 AS time"},
		{name: "time group quoted", sql: "SELECT $__timeGroup(ts, '1h') AS time", exp: "SELECT (ts / 3600) * 3600 AS time"},
		{name: "time group by interval", sql: "SELECT $__timeGroup(ts, $__interval) AS time", exp: "SELECT (ts / 15) * 15 AS time"},
		{name: "interval", sql: "SELECT $__interval_ms, '$__interval'", exp: "SELECT 15000, '15s'"},
		{name: "interval is a whole word", sql: "SELECT $__intervalx", exp: "SELECT $__intervalx"},
		{name: "time filter without column", sql: "WHERE $__timeFilter()", err: errMacro},
		{name: "time group without interval", sql: "SELECT $__timeGroup(ts)", err: errMacro},
		{name: "time group below a second", sql: "SELECT $__timeGroup(ts, 10ms)", err: errMacro},
		{name: "unknown macro", sql: "SELECT $__unixEpochFilter(ts)", err: errMacro},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := interpolate(tc.sql, req)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.exp, got)
		})
	}
}
