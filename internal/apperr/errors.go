package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeNotFound          Code = "NOT_FOUND"
	CodeAuthorization     Code = "AUTHORIZATION"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeSkillMismatch     Code = "SKILL_MISMATCH"
	CodeDuplicateRequest  Code = "DUPLICATE_REQUEST"
	CodeWindowExpired     Code = "WINDOW_EXPIRED"
	CodeNotAuthor         Code = "NOT_AUTHOR"
	CodeAlreadyRated      Code = "ALREADY_RATED"
	CodeNotCompleted      Code = "NOT_COMPLETED"
	CodeNotParticipant    Code = "NOT_PARTICIPANT"
	CodeRateLimited       Code = "RATE_LIMIT_EXCEEDED"
	CodeExpired           Code = "EXPIRED"
)

// AppError is a user-facing, recoverable failure. Anything that is not an
// AppError should be treated as an infrastructure error.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches any AppError with the same code, so callers can write
// errors.Is(err, apperr.ErrAlreadyRated).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalidArgument   = &AppError{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrNotFound          = &AppError{Code: CodeNotFound, Message: "not found"}
	ErrAuthorization     = &AppError{Code: CodeAuthorization, Message: "not authorized"}
	ErrInvalidTransition = &AppError{Code: CodeInvalidTransition, Message: "invalid status transition"}
	ErrSkillMismatch     = &AppError{Code: CodeSkillMismatch, Message: "skills do not match"}
	ErrDuplicateRequest  = &AppError{Code: CodeDuplicateRequest, Message: "an active swap request already exists between these users"}
	ErrWindowExpired     = &AppError{Code: CodeWindowExpired, Message: "time window expired"}
	ErrNotAuthor         = &AppError{Code: CodeNotAuthor, Message: "only the sender can change this message"}
	ErrAlreadyRated      = &AppError{Code: CodeAlreadyRated, Message: "rating already submitted"}
	ErrNotCompleted      = &AppError{Code: CodeNotCompleted, Message: "can only rate completed swaps"}
	ErrNotParticipant    = &AppError{Code: CodeNotParticipant, Message: "only participants can rate this swap"}
	ErrRateLimited       = &AppError{Code: CodeRateLimited, Message: "too many requests, try again later"}
	ErrExpired           = &AppError{Code: CodeExpired, Message: "swap request has expired"}
)

func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error {
	return New(CodeInvalidArgument, msg)
}

func NotFound(what string) error {
	return New(CodeNotFound, what+" not found")
}

func Forbidden(msg string) error {
	return New(CodeAuthorization, msg)
}

func InvalidTransition(from, to string) error {
	return New(CodeInvalidTransition, fmt.Sprintf("cannot transition from %s to %s", from, to))
}

func SkillMismatch(msg string) error {
	return New(CodeSkillMismatch, msg)
}

func WindowExpired(msg string) error {
	return New(CodeWindowExpired, msg)
}

// CodeOf returns the code of the first AppError in err's chain, or "" when
// err is an infrastructure failure.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsAppError reports whether err is an expected, user-facing outcome.
func IsAppError(err error) bool {
	return CodeOf(err) != ""
}
