package internal

import (
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// AuthError means the provider rejected the credential. It is not retryable
// from inside the tracker: polling pauses until the host supplies a fresh
// credential.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: credential rejected: %s", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// StaleCursorError means the provider can no longer resume the change feed
// from the stored cursor. The poller recovers by fetching a fresh cursor;
// records between the stale cursor and the fresh one are lost.
type StaleCursorError struct {
	Cursor string
}

func (e *StaleCursorError) Error() string {
	return fmt.Sprintf("stale cursor %q: provider cannot resume from it", e.Cursor)
}

// TransientFetchError covers network failures and 5xx responses. The cursor is
// not advanced, so retrying on the next tick loses nothing.
type TransientFetchError struct {
	StatusCode int
	Err        error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch error (HTTP %d): %s", e.StatusCode, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and TRACKLIGHT_DEBUG=1 then the program panics.
// If expr is false and TRACKLIGHT_DEBUG is unset or not '1' then the program logs an error along
// with a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal
// functioning of the program, and shouldn't be used to log a normal error e.g network errors.
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("TRACKLIGHT_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
