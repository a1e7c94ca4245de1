package intervalv2

import (
	"strings"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend/gtime"

	"github.com/grafana/queryrunner/pkg/models"
)

const (
	DefaultRes         int64 = 1500
	defaultMinInterval       = time.Millisecond * 1
)

type Interval struct {
	Text  string
	Value time.Duration
}

// Milliseconds returns the interval as whole milliseconds.
func (i Interval) Milliseconds() int64 {
	return i.Value.Milliseconds()
}

type intervalCalculator struct {
	minInterval time.Duration
}

type Calculator interface {
	Calculate(timerange models.TimeRange, minInterval time.Duration, maxDataPoints int64) Interval
}

type CalculatorOptions struct {
	MinInterval time.Duration
}

func NewCalculator(opts ...CalculatorOptions) *intervalCalculator {
	calc := &intervalCalculator{}

	for _, o := range opts {
		if o.MinInterval == 0 {
			calc.minInterval = defaultMinInterval
		} else {
			calc.minInterval = o.MinInterval
		}
	}

	return calc
}

// Calculate divides the range into maxDataPoints buckets, rounds the
// bucket size to a human friendly step and applies the lower limit.
func (ic *intervalCalculator) Calculate(timerange models.TimeRange, minInterval time.Duration, maxDataPoints int64) Interval {
	if maxDataPoints <= 0 {
		maxDataPoints = DefaultRes
	}
	lowLimit := minInterval
	if lowLimit <= 0 {
		lowLimit = ic.minInterval
	}
	if lowLimit <= 0 {
		lowLimit = defaultMinInterval
	}

	calculatedInterval := gtime.RoundInterval(time.Duration(timerange.Duration().Nanoseconds() / maxDataPoints))
	if calculatedInterval < lowLimit {
		calculatedInterval = lowLimit
	}

	return Interval{Text: gtime.FormatInterval(calculatedInterval), Value: calculatedInterval}
}

// ParseIntervalString parses a min interval as entered in a panel. A
// leading > is accepted for compatibility with old dashboards.
func ParseIntervalString(interval string) (time.Duration, error) {
	interval = strings.TrimPrefix(strings.TrimSpace(interval), ">")
	if interval == "" {
		return 0, nil
	}
	return gtime.ParseInterval(interval)
}
