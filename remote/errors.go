package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrNetworkUnavailable matches failures to reach the service at all.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrRemoteRejected matches non-success responses.
	ErrRemoteRejected = errors.New("remote rejected")
)

// NetworkError wraps a transport failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() []error { return []error{ErrNetworkUnavailable, e.Err} }

// StatusError is a non-success reply. Detail carries the server's message
// when it sent one.
type StatusError struct {
	Op     string
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("%s failed (%d)", e.Op, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrRemoteRejected }
