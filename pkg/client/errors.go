package client

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrValidation     = errors.New("invalid points or labels")
	ErrNetwork        = errors.New("network failure")
	ErrSessionExpired = errors.New("session expired")
	ErrPrediction     = errors.New("prediction failed")
)

// Error carries the kind of a failed service call together with what the
// service said about it.
type Error struct {
	Kind   error
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Status != 0:
		return fmt.Sprintf("%v: HTTP %d: %s", e.Kind, e.Status, e.Detail)
	case e.Detail != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

// Is lets errors.Is match the error kind
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message returns the text to show the user for err
func Message(err error) string {
	var ce *Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionExpired):
		return "The session has expired. Upload the image again."
	case errors.As(err, &ce) && errors.Is(err, ErrValidation) && ce.Detail != "":
		return ce.Detail
	case errors.Is(err, ErrValidation):
		return "The selected points were rejected."
	case errors.Is(err, ErrNetwork):
		return "Could not reach the segmentation service. Try again."
	default:
		return "Segmentation failed. Try again."
	}
}
