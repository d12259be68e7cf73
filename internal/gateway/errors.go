package gateway

import (
	"errors"
	"fmt"

	"github.com/flitsinc/go-objects/internal/cdc"
	"github.com/flitsinc/go-objects/internal/scheduler"
	"github.com/flitsinc/go-objects/internal/state"
)

type Code string

const (
	CodeMethodNotFound Code = "MethodNotFound"
	CodeValidation     Code = "ValidationError"
	CodeInternal       Code = "InternalError"
	CodeDelivery       Code = "DeliveryError"
)

var (
	ErrMethodNotFound = errors.New("method not found")
	ErrValidation     = errors.New("validation error")
	ErrInternal       = errors.New("internal error")
	ErrDelivery       = errors.New("delivery error")
)

// Error is the structured error returned to callers in place of a result.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Method  string `json:"method,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeMethodNotFound:
		return ErrMethodNotFound
	case CodeValidation:
		return ErrValidation
	case CodeDelivery:
		return ErrDelivery
	default:
		return ErrInternal
	}
}

func MethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", method), Method: method}
}

func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// AsError maps any handler error onto the taxonomy. Errors that are not
// recognizably caused by the caller become InternalError.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, scheduler.ErrInvalidSchedule), errors.Is(err, state.ErrNotFound), errors.Is(err, ErrValidation):
		return &Error{Code: CodeValidation, Message: err.Error()}
	case errors.Is(err, cdc.ErrDelivery):
		return &Error{Code: CodeDelivery, Message: err.Error()}
	}
	return Internal(err)
}
