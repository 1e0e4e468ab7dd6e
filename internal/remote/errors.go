package remote

import (
	"errors"
	"fmt"
)

// ErrNetwork matches every *NetworkError.
var ErrNetwork = errors.New("remote: network failure")

// NetworkError means the backend could not be reached or answered with a
// server error. Status is zero for transport failures; Response holds the
// backend's answer when there was one.
type NetworkError struct {
	Op       string
	URL      string
	Status   int
	Response *Response
	Err      error
}

func (e *NetworkError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("remote: %s %s: http %d", e.Op, e.URL, e.Status)
	}
	return fmt.Sprintf("remote: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// StatusError is a non-2xx, non-5xx answer to a submission: the backend was
// reachable but did not accept the write.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote: http %d", e.Status)
	}
	return fmt.Sprintf("remote: http %d: %s", e.Status, e.Body)
}
