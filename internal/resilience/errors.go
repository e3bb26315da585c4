package resilience

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// TransientError marks a failure that is worth retrying: a throttled or
// failing server, a dropped connection or a body cut short.
type TransientError struct {
	Err        error
	StatusCode int // 0 for non-HTTP failures
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

var transientErrnos = []error{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED, syscall.EPIPE}

// Some clients flatten the cause into the message.
var transientMessages = []string{
	"connection reset by peer",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"server closed idle connection",
}

// IsTransient reports whether err, or anything it wraps, is a TransientError,
// a network timeout, a reset connection or a truncated body.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether a response status is safe to retry.
func IsTransientHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
