package llm

import (
	"fmt"
	"net/http"
	"time"
)

// Kind is the classification of one completion call
type Kind int

const (
	// KindSuccess means the exchange completed and the payload parsed
	KindSuccess Kind = iota + 1
	// KindRateLimited means the service answered 429; back off before retrying
	KindRateLimited
	// KindRetryable means a transient condition; the whole call is safe to retry
	KindRetryable
	// KindFailure means retrying the unchanged call would not help
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRateLimited:
		return "rate_limited"
	case KindRetryable:
		return "retryable"
	case KindFailure:
		return "failure"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Classify maps an HTTP status code to an outcome kind. 2xx means the body
// should be parsed; parse errors are classified separately.
func Classify(statusCode int) Kind {
	switch {
	case statusCode >= 200 && statusCode <= 299:
		return KindSuccess
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case statusCode >= 500 && statusCode <= 599:
		return KindRetryable
	default:
		return KindFailure
	}
}

// CallError describes a non-successful outcome
type CallError struct {
	Kind    Kind
	Message string

	// Set when the service answered
	StatusCode int
	Body       string

	// Code is the "error.code" of an Azure error envelope, if any
	Code string

	// RetryAfter is the server's backoff hint, zero when absent
	RetryAfter time.Duration

	Err error
}

func (e *CallError) Error() string {
	return e.Message
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Outcome is the result of one completion call: exactly one of Success,
// RateLimited, Retryable or Failure. The zero value is not a valid outcome.
type Outcome[T any] struct {
	kind  Kind
	value T
	err   *CallError
}

// Succeed wraps a value in a success outcome
func Succeed[T any](value T) Outcome[T] {
	return Outcome[T]{kind: KindSuccess, value: value}
}

// Fail wraps a call error in a non-success outcome of the error's kind
func Fail[T any](err *CallError) Outcome[T] {
	return Outcome[T]{kind: err.Kind, err: err}
}

// Kind returns the outcome's variant
func (o Outcome[T]) Kind() Kind {
	return o.kind
}

// Value returns the payload of a success outcome
func (o Outcome[T]) Value() (T, bool) {
	return o.value, o.kind == KindSuccess
}

// Err returns the call error of a non-success outcome, or nil
func (o Outcome[T]) Err() error {
	if o.err == nil {
		return nil
	}
	return o.err
}

// Match dispatches on the outcome's variant. Every variant needs a handler;
// an outcome of unknown kind is a programming error and panics.
func Match[T, R any](
	o Outcome[T],
	onSuccess func(T) R,
	onRateLimited func(*CallError) R,
	onRetryable func(*CallError) R,
	onFailure func(*CallError) R,
) R {
	switch o.kind {
	case KindSuccess:
		return onSuccess(o.value)
	case KindRateLimited:
		return onRateLimited(o.err)
	case KindRetryable:
		return onRetryable(o.err)
	case KindFailure:
		return onFailure(o.err)
	default:
		panic(fmt.Sprintf("llm: unexpected outcome kind %v", o.kind))
	}
}

func retryable(format string, args ...any) *CallError {
	return newCallError(KindRetryable, format, args...)
}

func failure(format string, args ...any) *CallError {
	return newCallError(KindFailure, format, args...)
}

func newCallError(kind Kind, format string, args ...any) *CallError {
	e := &CallError{Kind: kind, Message: fmt.Sprintf(format, args...)}
	for _, arg := range args {
		if err, ok := arg.(error); ok {
			e.Err = err
			break
		}
	}
	return e
}
