package legacydata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/queryrunner/pkg/models"
)

func TestTimeRange(t *testing.T) {
	now := time.Date(2020, 2, 3, 10, 30, 0, 0, time.UTC)

	t.Run("relative expressions", func(t *testing.T) {
		tr := DataTimeRange{From: "now-5m", To: "now", Now: now}

		from, err := tr.ParseFrom(WithLocation(time.UTC))
		require.NoError(t, err)
		requireTimeEqual(t, now.Add(-5*time.Minute), from)

		to, err := tr.ParseTo(WithLocation(time.UTC))
		require.NoError(t, err)
		requireTimeEqual(t, now, to)
	})

	t.Run("bare durations are relative to now", func(t *testing.T) {
		tr := DataTimeRange{From: "1h", To: "now", Now: now}
		from, err := tr.ParseFrom()
		require.NoError(t, err)
		requireTimeEqual(t, now.Add(-time.Hour), from)

		tr = DataTimeRange{From: "2d", To: "now", Now: now}
		from, err = tr.ParseFrom()
		require.NoError(t, err)
		requireTimeEqual(t, now.Add(-48*time.Hour), from)
	})

	t.Run("rounding uses round up for to", func(t *testing.T) {
		tr := DataTimeRange{From: "now/d", To: "now/d", Now: now}

		from, err := tr.ParseFrom(WithLocation(time.UTC))
		require.NoError(t, err)
		requireTimeEqual(t, time.Date(2020, 2, 3, 0, 0, 0, 0, time.UTC), from)

		to, err := tr.ParseTo(WithLocation(time.UTC))
		require.NoError(t, err)
		assert.True(t, to.After(from))
		assert.Equal(t, 3, to.UTC().Day())
	})

	t.Run("unix ms epoch", func(t *testing.T) {
		tr := DataTimeRange{From: "1580725800000", To: "1580729400000", Now: now}
		assert.Equal(t, int64(1580725800000), tr.GetFromAsMsEpoch())
		assert.Equal(t, int64(1580729400000), tr.GetToAsMsEpoch())
	})

	t.Run("rfc3339", func(t *testing.T) {
		tr := DataTimeRange{From: "2020-02-03T09:30:00Z", To: "2020-02-03T10:30:00Z", Now: now}
		resolved, err := tr.TimeRange()
		require.NoError(t, err)
		assert.Equal(t, time.Hour, resolved.Duration())
	})

	t.Run("invalid expression", func(t *testing.T) {
		tr := DataTimeRange{From: "now-xyz", To: "now", Now: now}
		_, err := tr.ParseFrom()
		require.Error(t, err)
	})
}

func TestResolveTimeRange(t *testing.T) {
	now := time.Date(2020, 2, 3, 10, 30, 0, 0, time.UTC)

	t.Run("relative ranges are re-evaluated", func(t *testing.T) {
		stale := models.TimeRange{
			From: now.Add(-2 * time.Hour),
			To:   now.Add(-time.Hour),
			Raw:  models.RawTimeRange{From: "now-1h", To: "now"},
		}
		resolved := ResolveTimeRange(stale, now, "utc")
		requireTimeEqual(t, now.Add(-time.Hour), resolved.From)
		requireTimeEqual(t, now, resolved.To)
		assert.Equal(t, stale.Raw, resolved.Raw)
	})

	t.Run("absolute ranges are reused", func(t *testing.T) {
		abs := models.TimeRange{
			From: now.Add(-time.Hour),
			To:   now,
			Raw:  models.RawTimeRange{From: "1580722200000", To: "1580725800000"},
		}
		assert.Equal(t, abs, ResolveTimeRange(abs, now.Add(time.Hour), "browser"))
	})

	t.Run("unparsable ranges are reused", func(t *testing.T) {
		bad := models.TimeRange{Raw: models.RawTimeRange{From: "now-banana", To: "now"}}
		assert.Equal(t, bad, ResolveTimeRange(bad, now, ""))
	})
}

func TestLoadLocation(t *testing.T) {
	assert.Equal(t, time.UTC, LoadLocation(""))
	assert.Equal(t, time.UTC, LoadLocation("browser"))
	assert.Equal(t, time.UTC, LoadLocation("Not/AZone"))
}

func requireTimeEqual(t *testing.T, expected, actual time.Time) {
	t.Helper()
	require.True(t, expected.Equal(actual), "expected %s, got %s", expected, actual)
}
