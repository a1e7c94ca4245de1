// Package log is a thin key/value logging layer on top of go-kit/log.
// Loggers are named with [New] and write through a swappable root, so
// loggers created at package init pick up the configuration applied
// later by [SetupConsoleLogger].
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	gokitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the logging interface used across the query runner.
type Logger interface {
	// New returns a new Logger that has this logger's context plus the given context.
	New(ctx ...any) Logger

	// Log is a go-kit logger compatible method, so a Logger can be handed
	// to libraries such as dskit.
	Log(keyvals ...any) error

	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)

	// FromContext returns a logger carrying the trace ID of the span in ctx, if any.
	FromContext(ctx context.Context) Logger
}

var root = &gokitlog.SwapLogger{}

func init() {
	if err := SetupConsoleLogger(os.Stderr, "console", "info"); err != nil {
		panic(err)
	}
}

// SetupConsoleLogger replaces the output of every logger created with [New].
// format is one of console, text, logfmt or json; lvl is one of debug, info,
// warn or error.
func SetupConsoleLogger(w io.Writer, format, lvl string) error {
	option, err := levelOption(lvl)
	if err != nil {
		return err
	}

	var out gokitlog.Logger
	switch strings.ToLower(format) {
	case "", "console", "text", "logfmt":
		out = gokitlog.NewLogfmtLogger(gokitlog.NewSyncWriter(w))
	case "json":
		out = gokitlog.NewJSONLogger(gokitlog.NewSyncWriter(w))
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	out = gokitlog.With(out, "t", gokitlog.DefaultTimestampUTC)
	root.Swap(level.NewFilter(out, option))
	return nil
}

func levelOption(lvl string) (level.Option, error) {
	switch strings.ToLower(lvl) {
	case "debug", "trace":
		return level.AllowDebug(), nil
	case "", "info":
		return level.AllowInfo(), nil
	case "warn", "warning":
		return level.AllowWarn(), nil
	case "error", "critical":
		return level.AllowError(), nil
	default:
		return nil, fmt.Errorf("unknown log level %q", lvl)
	}
}

// New creates a logger named name that writes through the root logger.
func New(name string, ctx ...any) *ConcreteLogger {
	return newConcreteLogger(root, append([]any{"logger", name}, ctx...)...)
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *ConcreteLogger {
	return newConcreteLogger(gokitlog.NewNopLogger())
}

type ConcreteLogger struct {
	ctx []any
	gokitlog.Logger
}

var _ Logger = (*ConcreteLogger)(nil)

func newConcreteLogger(logger gokitlog.Logger, ctx ...any) *ConcreteLogger {
	return &ConcreteLogger{
		ctx:    ctx,
		Logger: logger,
	}
}

func (cl *ConcreteLogger) New(ctx ...any) Logger {
	if len(ctx) == 0 {
		return cl
	}
	return newConcreteLogger(cl.Logger, append(slices.Clone(cl.ctx), ctx...)...)
}

func (cl *ConcreteLogger) Log(keyvals ...any) error {
	return cl.Logger.Log(append(slices.Clone(cl.ctx), keyvals...)...)
}

func (cl *ConcreteLogger) Debug(msg string, args ...any) {
	cl.log(level.DebugValue(), msg, args...)
}

func (cl *ConcreteLogger) Info(msg string, args ...any) {
	cl.log(level.InfoValue(), msg, args...)
}

func (cl *ConcreteLogger) Warn(msg string, args ...any) {
	cl.log(level.WarnValue(), msg, args...)
}

func (cl *ConcreteLogger) Error(msg string, args ...any) {
	cl.log(level.ErrorValue(), msg, args...)
}

func (cl *ConcreteLogger) FromContext(ctx context.Context) Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.HasTraceID() {
		return cl
	}
	return cl.New("traceID", spanCtx.TraceID().String())
}

func (cl *ConcreteLogger) log(lvl level.Value, msg string, args ...any) {
	_ = cl.Log(append([]any{level.Key(), lvl, "msg", msg}, args...)...)
}
