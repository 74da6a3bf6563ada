package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/mikey-austin/mupnp/internal/controlpoint"
	"github.com/mikey-austin/mupnp/pkg/upnp"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitRuntime     = 1
	ExitUsage       = 2
	ExitUnreachable = 3
	ExitNotFound    = 4
	ExitRejected    = 5
)

// CLIError carries a user-visible message and exit code.
type CLIError struct {
	Code int
	Msg  string
	Err  error
}

func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *CLIError) Unwrap() error {
	return e.Err
}

// WrapError creates a CLIError with an underlying error.
func WrapError(code int, msg string, err error) *CLIError {
	return &CLIError{Code: code, Msg: msg, Err: err}
}

// ErrorForUPnPCode maps UPnP error codes to CLI exit codes.
func ErrorForUPnPCode(code int, message string) *CLIError {
	switch {
	case code == upnp.CodeInvalidAction, code == upnp.CodeInvalidArgs,
		code == upnp.CodeArgumentValueInvalid, code == upnp.CodeArgumentOutOfRange,
		code == upnp.CodeInvalidSearchCriteria, code == upnp.CodeInvalidSortCriteria:
		return &CLIError{Code: ExitUsage, Msg: message}
	case code == upnp.CodeNoSuchObject, code == upnp.CodeInvalidConnection,
		code == upnp.CodeNoSuchContainer, code == upnp.CodeResourceNotFound,
		code == upnp.CodeInvalidInstanceID:
		return &CLIError{Code: ExitNotFound, Msg: message}
	case code >= 700 && code < 800:
		return &CLIError{Code: ExitRejected, Msg: message}
	default:
		return &CLIError{Code: ExitRuntime, Msg: message}
	}
}

// Classify turns an error from the control point into a CLIError.
func Classify(action string, err error) error {
	if err == nil {
		return nil
	}
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return cliErr
	}
	var upnpErr *upnp.Error
	if errors.As(err, &upnpErr) {
		return ErrorForUPnPCode(upnpErr.Code, fmt.Sprintf("%s: %d %s", action, upnpErr.Code, upnpErr.Description))
	}
	switch {
	case errors.Is(err, controlpoint.ErrUnknownDevice), errors.Is(err, controlpoint.ErrNoService):
		return WrapError(ExitNotFound, action, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, controlpoint.ErrServiceNotReady):
		return WrapError(ExitUnreachable, action, err)
	}
	return WrapError(ExitRuntime, action, err)
}

// ExitCode returns the CLI exit code from error.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return cliErr.Code
	}
	return ExitRuntime
}
