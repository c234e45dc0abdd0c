package dbgateway

import "fmt"

// FatalError marks conditions the error taxonomy calls
// "fatal-at-startup": the caller must log once and exit 1.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return e.Msg }

// RetryableError marks a transient session/transport failure: the caller
// closes the session, sets startup=true, and retries after startup_delay.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("transient db error: %v", e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }
