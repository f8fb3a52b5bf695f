// errors.go - Session error kinds
package session

import (
	"errors"
	"fmt"
)

var (
	// ErrConnect marks a DNS, socket or spawn failure while opening a backend
	ErrConnect = errors.New("connect failure")
	// ErrNoReconnect is returned when the controller has nothing to reconnect to
	ErrNoReconnect = errors.New("nothing to reconnect")
)

// ConnectError is an open failure for one target
type ConnectError struct {
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("connect failed: %v", e.Err)
	}
	return fmt.Sprintf("connect to %s failed: %v", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnect }
