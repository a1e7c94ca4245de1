package legacydata

import (
	"strconv"
	"strings"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/backend/gtime"
	"github.com/jszwedko/go-datemath"

	"github.com/grafana/queryrunner/pkg/models"
)

// DataTimeRange is a raw from/to pair evaluated against Now.
type DataTimeRange struct {
	From string
	To   string
	Now  time.Time
}

func NewDataTimeRange(from, to string) DataTimeRange {
	return DataTimeRange{
		From: from,
		To:   to,
		Now:  time.Now(),
	}
}

type timeRangeOptions struct {
	location  *time.Location
	weekstart time.Weekday
	hasWeek   bool
}

type TimeRangeOption func(*timeRangeOptions)

func WithLocation(loc *time.Location) TimeRangeOption {
	return func(o *timeRangeOptions) {
		o.location = loc
	}
}

func WithWeekstart(day time.Weekday) TimeRangeOption {
	return func(o *timeRangeOptions) {
		o.weekstart = day
		o.hasWeek = true
	}
}

func (tr DataTimeRange) ParseFrom(options ...TimeRangeOption) (time.Time, error) {
	return parse(tr.From, tr.Now, false, options...)
}

func (tr DataTimeRange) ParseTo(options ...TimeRangeOption) (time.Time, error) {
	return parse(tr.To, tr.Now, true, options...)
}

func (tr DataTimeRange) GetFromAsMsEpoch() int64 {
	from, _ := tr.ParseFrom()
	return from.UnixMilli()
}

func (tr DataTimeRange) GetToAsMsEpoch() int64 {
	to, _ := tr.ParseTo()
	return to.UnixMilli()
}

// TimeRange evaluates both ends and returns the resolved range.
func (tr DataTimeRange) TimeRange(options ...TimeRangeOption) (models.TimeRange, error) {
	from, err := tr.ParseFrom(options...)
	if err != nil {
		return models.TimeRange{}, err
	}
	to, err := tr.ParseTo(options...)
	if err != nil {
		return models.TimeRange{}, err
	}
	return models.TimeRange{
		From: from,
		To:   to,
		Raw:  models.RawTimeRange{From: tr.From, To: tr.To},
	}, nil
}

func tryParseUnixMsEpoch(val string) (time.Time, bool) {
	if val, err := strconv.ParseInt(val, 10, 64); err == nil {
		return time.UnixMilli(val), true
	}
	return time.Time{}, false
}

func parse(s string, now time.Time, withRoundUp bool, options ...TimeRangeOption) (time.Time, error) {
	opts := &timeRangeOptions{}
	for _, o := range options {
		o(opts)
	}

	if res, ok := tryParseUnixMsEpoch(s); ok {
		return res, nil
	}
	if res, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return res, nil
	}
	if models.IsBareDuration(s) {
		diff, err := gtime.ParseDuration(s)
		if err == nil {
			return now.Add(-diff), nil
		}
	}

	dmOptions := []func(*datemath.Options){
		datemath.WithNow(now),
		datemath.WithRoundUp(withRoundUp),
	}
	if opts.location != nil {
		dmOptions = append(dmOptions, datemath.WithLocation(opts.location))
	}
	if opts.hasWeek {
		dmOptions = append(dmOptions, datemath.WithStartOfWeek(opts.weekstart))
	}
	return datemath.ParseAndEvaluate(s, dmOptions...)
}

// LoadLocation maps a dashboard timezone to a location. Empty, browser
// and unknown zones resolve to UTC.
func LoadLocation(timezone string) *time.Location {
	switch strings.ToLower(timezone) {
	case "", "browser", "utc":
		return time.UTC
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ResolveTimeRange re-evaluates a relative range against now. Absolute
// ranges, and ranges that fail to parse, are returned unchanged.
func ResolveTimeRange(tr models.TimeRange, now time.Time, timezone string) models.TimeRange {
	if !tr.Raw.IsRelative() {
		return tr
	}
	resolved, err := DataTimeRange{From: tr.Raw.From, To: tr.Raw.To, Now: now}.TimeRange(WithLocation(LoadLocation(timezone)))
	if err != nil {
		return tr
	}
	return resolved
}
