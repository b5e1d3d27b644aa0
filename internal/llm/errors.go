package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tidwall/gjson"
)

// MapStatus builds the call error for a non-2xx response. The raw body is
// always part of the message.
func MapStatus(resp *http.Response, body string) *CallError {
	kind := Classify(resp.StatusCode)

	var message string
	switch kind {
	case KindRateLimited:
		message = fmt.Sprintf("rate limit exceeded (HTTP %d): %s", resp.StatusCode, body)
	case KindRetryable:
		message = fmt.Sprintf("server error (HTTP %d): %s", resp.StatusCode, body)
	case KindFailure:
		message = fmt.Sprintf("API error (HTTP %d): %s", resp.StatusCode, body)
	default:
		panic(fmt.Sprintf("llm: MapStatus called for HTTP %d", resp.StatusCode))
	}

	e := &CallError{
		Kind:       kind,
		Message:    message,
		StatusCode: resp.StatusCode,
		Body:       body,
		Code:       gjson.Get(body, "error.code").String(),
	}
	if kind != KindFailure {
		e.RetryAfter = ParseRetryAfter(resp.Header, time.Now())
	}
	return e
}

// MapTransportError classifies an error returned while sending a request or
// reading its body. Connection problems and cancellation are retryable.
func MapTransportError(err error) *CallError {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retryable("request cancelled: %v", err)
	case isConnectionError(err):
		return retryable("request failed: %v", err)
	default:
		return failure("unexpected transport error: %v", err)
	}
}

func isConnectionError(err error) bool {
	// *url.Error satisfies net.Error itself, so look at what it wraps
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

// ParseRetryAfter reads the backoff hint of a 429/5xx response. Azure sends
// "retry-after-ms"; the standard "Retry-After" may hold seconds or an HTTP date.
func ParseRetryAfter(header http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(header.Get("retry-after-ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}

	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// ErrorMessage returns "error.message" of an Azure error envelope, or ""
func ErrorMessage(body string) string {
	return gjson.Get(body, "error.message").String()
}
