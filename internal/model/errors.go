package model

import (
	"errors"
	"fmt"
)

// Code classifies an operation failure for the UI layer.
type Code string

const (
	CodeNetwork            Code = "NETWORK_ERROR"
	CodeQueryFailed        Code = "QUERY_FAILED"
	CodeSubscriptionFailed Code = "SUBSCRIPTION_FAILED"
	CodeSendFailed         Code = "SEND_FAILED"
	CodeValidation         Code = "VALIDATION_FAILED"
	CodeQueueExhausted     Code = "QUEUE_EXHAUSTED"
)

// Error is the typed error returned at operation boundaries.
type Error struct {
	Code    Code
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// ErrEmptyMessage is returned when a send is attempted with no content.
var ErrEmptyMessage = &Error{Code: CodeValidation, Message: "message content is empty"}

// ErrNotAttached is returned by session operations called before Attach.
var ErrNotAttached = errors.New("no conversation attached")

// Classify wraps err into an *Error with the given code. An err that already
// is an *Error is returned unchanged.
func Classify(code Code, msg string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: code, Message: msg, Details: err.Error(), Err: err}
}

// CodeOf returns the code of err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
