package gun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// HTTPError represents a response with an error status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// CodedError carries an explicit sample code, such as a gRPC status name or
// an HTTP/2 error code.
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error { return e.Err }

// ErrorCode derives the sample code recorded for err.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return strconv.Itoa(httpErr.StatusCode)
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return SanitizeCode(coded.Code)
	}
	if errors.Is(err, ErrNoScenario) {
		return "NO_SCENARIO"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "TIMEOUT"
	}
	if errors.Is(err, context.Canceled) {
		return "CANCELED"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "TIMEOUT"
	}
	typeName := fmt.Sprintf("%T", err)
	typeName = strings.TrimPrefix(typeName, "*")
	if idx := strings.LastIndex(typeName, "/"); idx != -1 {
		typeName = typeName[idx+1:]
	}
	if idx := strings.LastIndex(typeName, "."); idx != -1 {
		typeName = typeName[idx+1:]
	}
	return SanitizeCode(typeName)
}

// SanitizeCode normalises a free-form status into an upper-case token.
func SanitizeCode(status string) string {
	trimmed := strings.TrimSpace(status)
	if trimmed == "" {
		return "UNKNOWN"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "_", ".", "_", "-", "_")
	normalized := strings.ToUpper(replacer.Replace(trimmed))
	normalized = strings.Trim(normalized, "_")
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}
