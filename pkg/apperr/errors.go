// Package apperr defines the error kinds shared by the lifecycle components.
//
// Every error produced by the store, the session manager, the worker and the
// callback subsystem carries one of the sentinel kinds below, so callers can
// branch with errors.Is regardless of how deeply the cause is wrapped.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("record not found")
	ErrInvalidState  = errors.New("invalid state")
	ErrAlreadyExists = errors.New("record already exists")
	ErrTranscode     = errors.New("transcode failed")
	ErrStorage       = errors.New("storage upload failed")
	ErrDelivery      = errors.New("callback delivery failed")
)

// Error couples a kind with the operation that failed and an optional cause.
type Error struct {
	Kind    error
	Op      string
	Message string
	Err     error
	// Details carries per-field reasons for validation errors
	Details map[string]string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func Validation(op, message string) error {
	return &Error{Kind: ErrValidation, Op: op, Message: message}
}

// ValidationFields is Validation with per-field reasons attached.
func ValidationFields(op, message string, fields map[string]string) error {
	return &Error{Kind: ErrValidation, Op: op, Message: message, Details: fields}
}

func NotFound(op, id string) error {
	return &Error{Kind: ErrNotFound, Op: op, Message: fmt.Sprintf("upload %s not found", id)}
}

func InvalidState(op, message string) error {
	return &Error{Kind: ErrInvalidState, Op: op, Message: message}
}

func AlreadyExists(op, id string) error {
	return &Error{Kind: ErrAlreadyExists, Op: op, Message: fmt.Sprintf("upload %s already exists", id)}
}

func Transcode(op string, err error) error {
	return &Error{Kind: ErrTranscode, Op: op, Err: err}
}

func Storage(op string, err error) error {
	return &Error{Kind: ErrStorage, Op: op, Err: err}
}

func Delivery(op string, err error) error {
	return &Error{Kind: ErrDelivery, Op: op, Err: err}
}

// DetailsOf returns the field details of err, if any.
func DetailsOf(err error) map[string]string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Details
	}
	return nil
}

// Message returns the human readable part of err without the kind prefix
// when err is an *Error, or err.Error() otherwise.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		if appErr.Message != "" {
			return appErr.Message
		}
		if appErr.Err != nil {
			return appErr.Err.Error()
		}
	}
	return err.Error()
}
