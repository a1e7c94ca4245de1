package errutil

import "net/http"

// StatusReason allows for wrapping of errors with a reason that maps
// onto an HTTP status code.
type StatusReason interface {
	Status() CoreStatus
}

type CoreStatus string

const (
	// StatusUnknown implies an error that should be updated to contain
	// an accurate status code, as none has been provided.
	StatusUnknown CoreStatus = ""
	// StatusNotFound means that the requested resource does not exist.
	StatusNotFound CoreStatus = "Not found"
	// StatusBadRequest means that the server was unable to parse the
	// parameters or payload for the request.
	StatusBadRequest CoreStatus = "Bad request"
	// StatusValidationFailed means that the server was able to parse
	// the payload for the request but it failed one or more validation
	// checks.
	StatusValidationFailed CoreStatus = "Validation failed"
	// StatusInternal means that the server acknowledges that there's
	// an error, but that there is nothing the client can do to fix it.
	StatusInternal CoreStatus = "Internal server error"
	// StatusTimeout means that the server did not complete the request
	// within the required time and aborted the action.
	StatusTimeout CoreStatus = "Timeout"
	// StatusNotImplemented means that the server does not support the
	// requested action.
	StatusNotImplemented CoreStatus = "Not implemented"
	// StatusClientClosedRequest means that the client closed the
	// connection before the server could send a response.
	StatusClientClosedRequest CoreStatus = "Client closed request"
)

// HTTPStatus converts the CoreStatus to an HTTP status code.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusNotFound:
		return http.StatusNotFound
	case StatusBadRequest, StatusValidationFailed:
		return http.StatusBadRequest
	case StatusTimeout:
		return http.StatusGatewayTimeout
	case StatusNotImplemented:
		return http.StatusNotImplemented
	case StatusClientClosedRequest:
		return 499
	case StatusUnknown, StatusInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Status implements the StatusReason interface.
func (s CoreStatus) Status() CoreStatus {
	return s
}

func (s CoreStatus) String() string {
	return string(s)
}
