package microservice

import (
	"fmt"
)

// ConnectionError is returned once every attempt to reach a service failed at
// the transport level.
type ConnectionError struct {
	Service  string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s unreachable after %d attempts: %v", e.Service, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PredictionFailure is returned when a service answered but the answer cannot
// be used: an error status code, a body that is not JSON, or a non-success
// status field. It is never retried.
type PredictionFailure struct {
	Service    string
	StatusCode int
	Reason     string
}

func (e *PredictionFailure) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s prediction failed (status %d): %s", e.Service, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("%s prediction failed: %s", e.Service, e.Reason)
}

func failure(service string, format string, args ...any) error {
	return &PredictionFailure{Service: service, Reason: fmt.Sprintf(format, args...)}
}

const maxBodyInError = 300

func truncate(body []byte) string {
	if len(body) <= maxBodyInError {
		return string(body)
	}
	return string(body[:maxBodyInError]) + "..."
}
