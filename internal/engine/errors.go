package engine

import (
	"errors"
	"fmt"
	"strings"

	"gateflow/internal/engine/auth"
	"gateflow/internal/platform"
)

// Code classifies workflow failures for replies and logs.
type Code string

const (
	CodePermissionDenied   Code = "permission_denied"
	CodePlatformPermission Code = "platform_permission"
	CodeTransient          Code = "transient"
	CodeNotFound           Code = "not_found"
	CodeUnavailable        Code = "unavailable"
	CodeExpired            Code = "expired"
	CodeCooldown           Code = "cooldown"
	CodeCapacity           Code = "capacity"
)

// Error is a coded workflow error. Message is safe to show to the actor.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// NewError builds a coded error for callers outside the engine.
func NewError(code Code, msg string) *Error {
	return newError(code, msg, nil)
}

// CodeOf returns the code of err, classifying uncoded errors.
func CodeOf(err error) Code {
	return classify(err).Code
}

// classify maps any error onto a coded Error with a user-facing message.
func classify(err error) *Error {
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	var forbidden auth.ForbiddenError
	if errors.As(err, &forbidden) {
		return newError(CodePermissionDenied, deniedMessage(forbidden), err)
	}
	if errors.Is(err, platform.ErrForbidden) {
		return newError(CodePlatformPermission,
			"I don't have permission to do that here. Please check my role permissions.", err)
	}
	return newError(CodeTransient, "An error occurred. Please try again later.", err)
}

func deniedMessage(f auth.ForbiddenError) string {
	msg := "You don't have permission to do that."
	switch f.Permission {
	case auth.PermStart:
		msg = "You don't have permission to start workflows."
	case auth.PermParticipate:
		msg = "You don't have permission to participate in workflows."
	case auth.PermVerify:
		msg = "You need Manager level or higher to pass role verification."
	case auth.PermSetupRoles:
		msg = "Only server administrators can configure workflow roles."
	}
	if len(f.Required) > 0 {
		msg += " Required roles: " + strings.Join(f.Required, ", ")
	}
	return msg
}
