package sqleng

import (
	"fmt"
	"math"
	"time"

	"github.com/grafana/grafana-plugin-sdk-go/data"
	"github.com/jmoiron/sqlx"
)

type columnKind int

const (
	kindNull columnKind = iota
	kindInt
	kindFloat
	kindString
	kindBool
	kindTime
)

// rowsToFrame reads every row into a frame with one nullable field per
// column. Columns listed in timeColumns hold unix seconds or RFC3339
// strings and become non-nullable time fields.
func rowsToFrame(rows *sqlx.Rows, name string, timeColumns map[string]bool, rowLimit int) (*data.Frame, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	values := make([][]any, len(columns))
	count := 0
	for rows.Next() {
		if rowLimit > 0 && count >= rowLimit {
			return nil, errRowLimit.Errorf("query returned more than %d rows", rowLimit)
		}
		row, err := rows.SliceScan()
		if err != nil {
			return nil, err
		}
		for i, v := range row {
			values[i] = append(values[i], v)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fields := make([]*data.Field, 0, len(columns))
	for i, col := range columns {
		f, err := columnField(col, values[i], count, timeColumns[col])
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return data.NewFrame(name, fields...), nil
}

func kindOf(v any) columnKind {
	switch v.(type) {
	case nil:
		return kindNull
	case int64, int32, int:
		return kindInt
	case float64, float32:
		return kindFloat
	case bool:
		return kindBool
	case time.Time:
		return kindTime
	default:
		return kindString
	}
}

// columnKindOf picks one kind for a column. Ints mixed with floats are
// floats; any other mix is rendered as strings.
func columnKindOf(values []any) columnKind {
	kind := kindNull
	for _, v := range values {
		k := kindOf(v)
		switch {
		case k == kindNull || k == kind:
		case kind == kindNull:
			kind = k
		case (kind == kindInt && k == kindFloat) || (kind == kindFloat && k == kindInt):
			kind = kindFloat
		default:
			return kindString
		}
	}
	return kind
}

func columnField(name string, values []any, n int, asTime bool) (*data.Field, error) {
	kind := columnKindOf(values)
	if asTime {
		out := make([]time.Time, n)
		for i, v := range values {
			t, ok, err := toTime(v)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", name, err)
			}
			if !ok {
				return nil, fmt.Errorf("column %s: null time in row %d", name, i)
			}
			out[i] = t
		}
		return data.NewField(name, nil, out), nil
	}

	switch kind {
	case kindInt:
		out := make([]*int64, n)
		for i, v := range values {
			if v != nil {
				x := toInt64(v)
				out[i] = &x
			}
		}
		return data.NewField(name, nil, out), nil
	case kindFloat, kindNull:
		out := make([]*float64, n)
		for i, v := range values {
			if v != nil {
				x := toFloat64(v)
				out[i] = &x
			}
		}
		return data.NewField(name, nil, out), nil
	case kindBool:
		out := make([]*bool, n)
		for i, v := range values {
			if b, ok := v.(bool); ok {
				out[i] = &b
			}
		}
		return data.NewField(name, nil, out), nil
	case kindTime:
		out := make([]*time.Time, n)
		for i, v := range values {
			if t, ok := v.(time.Time); ok {
				t = t.UTC()
				out[i] = &t
			}
		}
		return data.NewField(name, nil, out), nil
	default:
		out := make([]*string, n)
		for i, v := range values {
			if v == nil {
				continue
			}
			var s string
			switch x := v.(type) {
			case []byte:
				s = string(x)
			case string:
				s = x
			default:
				s = fmt.Sprint(x)
			}
			out[i] = &s
		}
		return data.NewField(name, nil, out), nil
	}
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int32:
		return int64(x)
	case int:
		return int64(x)
	}
	return 0
}

func toFloat64(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	}
	return float64(toInt64(v))
}

func toTime(v any) (time.Time, bool, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return x.UTC(), true, nil
	case int64, int32, int:
		return time.Unix(toInt64(x), 0).UTC(), true, nil
	case float64, float32:
		f := toFloat64(x)
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true, nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return time.Time{}, false, err
		}
		return t.UTC(), true, nil
	case []byte:
		return toTime(string(x))
	default:
		return time.Time{}, false, fmt.Errorf("cannot convert %T to time", v)
	}
}

// withStringLabels replaces nullable string fields with plain ones so they
// can serve as series labels. Nulls become empty strings.
func withStringLabels(frame *data.Frame) *data.Frame {
	for i, f := range frame.Fields {
		if f.Type() != data.FieldTypeNullableString {
			continue
		}
		values := make([]string, f.Len())
		for row := range values {
			if s, ok := f.At(row).(*string); ok && s != nil {
				values[row] = *s
			}
		}
		frame.Fields[i] = data.NewField(f.Name, f.Labels, values)
	}
	return frame
}
