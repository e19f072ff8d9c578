package models

import (
	"errors"
	"fmt"
)

// ErrEmptyMessage is returned when a submission is empty or contains only whitespace. It is a validation
// error: the submission is declined before any state changes.
var ErrEmptyMessage = errors.New("message is empty")

// ErrorKind classifies why an exchange with the completion endpoint failed.
type ErrorKind string

const (
	// ErrorKindNetwork is a transport failure: the connection failed, timed out, or was cancelled.
	ErrorKindNetwork ErrorKind = "network"
	// ErrorKindAuth means the endpoint rejected the credentials.
	ErrorKindAuth ErrorKind = "auth"
	// ErrorKindRemote is any other non-2xx response from the endpoint.
	ErrorKindRemote ErrorKind = "remote"
	// ErrorKindMalformedResponse is a 2xx response whose payload doesn't carry a reply.
	ErrorKindMalformedResponse ErrorKind = "malformed_response"
)

// ClientError is the failure of a single exchange with the completion endpoint. Every ClientError is
// terminal for its exchange.
type ClientError struct {
	Kind ErrorKind
	// Status is the HTTP status code of the response, zero if no response was received.
	Status int
	// Message is the most useful human readable description available, usually taken from the
	// provider's error payload.
	Message string

	Err error
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s error (HTTP %d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// Info returns the renderable description of e.
func (e *ClientError) Info() *ErrorInfo {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return &ErrorInfo{
		Kind:    e.Kind,
		Message: msg,
	}
}

// NetworkError wraps a transport failure.
func NetworkError(err error) *ClientError {
	return &ClientError{Kind: ErrorKindNetwork, Err: err}
}

// MalformedResponseError reports a 2xx response that couldn't be turned into a reply.
func MalformedResponseError(status int, err error) *ClientError {
	return &ClientError{Kind: ErrorKindMalformedResponse, Status: status, Err: err}
}

// StatusError classifies a non-2xx response. 401 and 403 are authentication failures, everything else is
// a remote error.
func StatusError(status int, message string) *ClientError {
	kind := ErrorKindRemote
	if status == 401 || status == 403 {
		kind = ErrorKindAuth
	}
	return &ClientError{Kind: kind, Status: status, Message: message}
}

// ErrorInfoOf returns the renderable description of err. Errors that are not a ClientError are reported
// as network errors, since they can only come from the transport path.
func ErrorInfoOf(err error) *ErrorInfo {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Info()
	}
	return &ErrorInfo{Kind: ErrorKindNetwork, Message: err.Error()}
}
