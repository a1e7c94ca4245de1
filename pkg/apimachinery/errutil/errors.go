// Package errutil provides errors that carry a stable message ID and a
// status reason in addition to the log message.
package errutil

import (
	"errors"
	"fmt"
)

// Base represents the static information about a specific error.
// Always use [NewBase] to create a new instance of Base.
type Base struct {
	reason        StatusReason
	messageID     string
	publicMessage string
}

// BaseOpt is a function that modifies a Base.
type BaseOpt func(Base) Base

// NewBase initializes a [Base] that is used to construct [Error].
// The reason is used to determine the status code that should be
// returned for the error, and the msgID is passed to the caller
// to serve as the base for user facing error messages.
//
// msgID should be structured as component.errorBrief, for example
//
//	datasource.notFound
func NewBase(reason StatusReason, msgID string, opts ...BaseOpt) Base {
	b := Base{
		reason:    reason,
		messageID: msgID,
	}
	for _, opt := range opts {
		b = opt(b)
	}
	return b
}

// WithPublicMessage sets the default public message that will be used
// for errors based on this Base.
func WithPublicMessage(message string) BaseOpt {
	return func(b Base) Base {
		b.publicMessage = message
		return b
	}
}

func NotFound(msgID string, opts ...BaseOpt) Base {
	return NewBase(StatusNotFound, msgID, opts...)
}

func BadRequest(msgID string, opts ...BaseOpt) Base {
	return NewBase(StatusBadRequest, msgID, opts...)
}

func ValidationFailed(msgID string, opts ...BaseOpt) Base {
	return NewBase(StatusValidationFailed, msgID, opts...)
}

func Internal(msgID string, opts ...BaseOpt) Base {
	return NewBase(StatusInternal, msgID, opts...)
}

func Timeout(msgID string, opts ...BaseOpt) Base {
	return NewBase(StatusTimeout, msgID, opts...)
}

func NotImplemented(msgID string, opts ...BaseOpt) Base {
	return NewBase(StatusNotImplemented, msgID, opts...)
}

func ClientClosedRequest(msgID string, opts ...BaseOpt) Base {
	return NewBase(StatusClientClosedRequest, msgID, opts...)
}

// Errorf creates a new [Error] with Reason and MessageID from [Base],
// and Message and Underlying will be populated using the rules of
// [fmt.Errorf].
func (b Base) Errorf(format string, args ...any) Error {
	err := fmt.Errorf(format, args...)

	return Error{
		Reason:        b.reason,
		MessageID:     b.messageID,
		LogMessage:    err.Error(),
		PublicMessage: b.publicMessage,
		Underlying:    errors.Unwrap(err),
	}
}

// Error makes Base implement the error type. Relying on this is
// discouraged, as the Error type can carry additional information
// that's valuable when debugging.
func (b Base) Error() string {
	return b.Errorf("%s", b.messageID).Error()
}

func (b Base) Status() CoreStatus {
	if b.reason == nil {
		return StatusUnknown
	}
	return b.reason.Status()
}

func (b Base) MessageID() string {
	return b.messageID
}

// Is validates that an [Error] has the same reason and messageID as the
// Base.
func (b Base) Is(err error) bool {
	// The linter complains that it wants to use errors.As because it
	// handles unwrapping, we don't want to do that here since we want
	// to validate the equality between the two objects.
	// errors.Is handles the unwrapping, should you want it.
	//nolint:errorlint
	base, isBase := err.(Base)
	//nolint:errorlint
	gfErr, isGrafanaError := err.(Error)

	switch {
	case isGrafanaError:
		return b.reason == gfErr.Reason && b.messageID == gfErr.MessageID
	case isBase:
		return b.reason == base.reason && b.messageID == base.messageID
	default:
		return false
	}
}

// Error is the error type for errors within the query runner.
// Do not initialize Error directly, use [Base.Errorf] instead.
type Error struct {
	// Reason provides the status of the error, and is used for
	// deciding the status code for the error.
	Reason StatusReason
	// MessageID is a unique identifier for the error, used to keep
	// track of which error it is.
	MessageID string
	// LogMessage will be displayed in the server logs.
	LogMessage string
	// Underlying is the wrapped error returned by [Error.Unwrap].
	Underlying error
	// PublicMessage is a message for the end user.
	PublicMessage string
}

func (e Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.MessageID, e.LogMessage)
}

func (e Error) Unwrap() error {
	return e.Underlying
}

// Is is used by errors.Is to allow for custom definitions of equality
// between two errors.
func (e Error) Is(other error) bool {
	// The linter complains that it wants to use errors.As because it
	// handles unwrapping, we don't want to do that here since we want
	// to validate the equality between the two objects.
	// errors.Is handles the unwrapping, should you want it.
	//nolint:errorlint
	switch o := other.(type) {
	case Base:
		return o.reason == e.Reason && o.messageID == e.MessageID
	case Error:
		return o.Reason == e.Reason && o.MessageID == e.MessageID && o.Error() == e.Error()
	default:
		return false
	}
}

// Public returns a message safe to show to the user.
func (e Error) Public() string {
	if e.PublicMessage != "" {
		return e.PublicMessage
	}
	if e.Reason == nil {
		return string(StatusInternal)
	}
	return string(e.Reason.Status())
}
