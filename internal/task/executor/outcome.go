package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyResult signals a run that produced nothing. It is not a failure.
	ErrEmptyResult = errors.New("empty result")
	// ErrNotImplemented is returned by executors with no unit of work.
	ErrNotImplemented = errors.New("not implemented")
	// ErrAlreadyStarted is reported when Start is called more than once.
	ErrAlreadyStarted = errors.New("executor already started")
)

// NoRetry marks an error as terminal: the task center should not enqueue the
// schedule again.
//
//	return executor.OutcomeOf(nil, executor.NoRetry(fmt.Errorf("bad input: %w", err)))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// Timeout marks an error as an observed timeout. Executors return it after
// finding TimedOut() true.
func Timeout(err error) error {
	if err == nil {
		err = errors.New("ttl exceeded")
	}
	return timeoutError{err: err}
}

// IsTimeout reports whether err is wrapped with Timeout.
func IsTimeout(err error) bool {
	var e timeoutError
	return errors.As(err, &e)
}

type timeoutError struct{ err error }

func (e timeoutError) Error() string { return fmt.Sprintf("timeout: %v", e.err) }
func (e timeoutError) Unwrap() error { return e.err }

// Kind tags an Outcome.
type Kind int

const (
	KindOk Kind = iota
	KindEmpty
	KindNoRetry
	KindTimeout
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindEmpty:
		return "empty"
	case KindNoRetry:
		return "no_retry"
	case KindTimeout:
		return "timeout"
	case KindFailed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is what a unit of work returns. Exactly one of the constructors
// below builds each variant.
type Outcome struct {
	Kind   Kind
	Output any
	Err    error
}

func Ok(output any) Outcome { return Outcome{Kind: KindOk, Output: output} }

func Empty() Outcome { return Outcome{Kind: KindEmpty} }

func NoRetryOutcome(reason string) Outcome {
	return Outcome{Kind: KindNoRetry, Err: errors.New(reason)}
}

func TimedOut(reason string) Outcome {
	return Outcome{Kind: KindTimeout, Err: errors.New(reason)}
}

func Failed(err error) Outcome {
	if err == nil {
		err = errors.New("failed")
	}
	return Outcome{Kind: KindFailed, Err: err}
}

// OutcomeOf converts a conventional (value, error) pair.
func OutcomeOf(output any, err error) Outcome {
	switch {
	case err == nil:
		return Ok(output)
	case errors.Is(err, ErrEmptyResult):
		return Empty()
	case IsTimeout(err):
		return Outcome{Kind: KindTimeout, Err: err}
	case IsNoRetry(err), errors.Is(err, ErrNotImplemented):
		return Outcome{Kind: KindNoRetry, Err: err}
	default:
		return Outcome{Kind: KindFailed, Err: err}
	}
}

// StatusOf classifies an outcome.
func StatusOf(o Outcome) Status {
	switch o.Kind {
	case KindOk:
		return StatusSucceed
	case KindEmpty:
		return StatusEmpty
	case KindNoRetry:
		return StatusErrorButNoRetry
	case KindTimeout:
		return StatusTimeout
	default:
		return StatusFailed
	}
}

func (o Outcome) errorString() string {
	if o.Kind == KindEmpty || o.Kind == KindOk || o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
