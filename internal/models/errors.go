package models

import (
	"errors"
	"fmt"
)

// Kind is the category of a domain failure. Handlers map it to an HTTP status.
type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindValidationFailed       Kind = "validation_failed"
	KindMediaConflict          Kind = "media_conflict"
	KindImageValidationFailed  Kind = "image_validation_failed"
	KindTokenUnavailable       Kind = "token_unavailable"
	KindExternalServiceFailure Kind = "external_service_failure"
	KindStateConflict          Kind = "state_conflict"
)

// Error codes surfaced to API clients.
const (
	CodeNotFound              = "NOT_FOUND"
	CodeValidation            = "VALIDATION_FAILED"
	CodeContentEmpty          = "CONTENT_EMPTY"
	CodeContentTooLong        = "CONTENT_TOO_LONG"
	CodeTooManyImages         = "TOO_MANY_IMAGES"
	CodeTooManyHashtags       = "TOO_MANY_HASHTAGS"
	CodeTooManyMentions       = "TOO_MANY_MENTIONS"
	CodeInvalidPostType       = "INVALID_POST_TYPE"
	CodeInvalidTimeZone       = "INVALID_TIME_ZONE"
	CodeInvalidTime           = "INVALID_TIME"
	CodePastTime              = "PAST_TIME"
	CodeProfileRequired       = "PROFILE_REQUIRED"
	CodeProfileTokenExpired   = "PROFILE_TOKEN_EXPIRED"
	CodeMediaConflict         = "MEDIA_CONFLICT"
	CodeImageValidationFailed = "IMAGE_VALIDATION_FAILED"
	CodeTokenUnavailable      = "TOKEN_UNAVAILABLE"
	CodeExternalService       = "EXTERNAL_SERVICE_FAILURE"
	CodeStateConflict         = "STATE_CONFLICT"
)

// Error is the structured failure returned by the core services.
// Message is safe to show to end users; Cause is only logged.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Field   string
	Details []string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf returns the Kind of err, or "" when err is not a domain error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (or anything it wraps) is a domain error of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

func NewNotFoundError(entity, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", entity, id),
	}
}

func NewValidationError(code, field, msg string) *Error {
	return &Error{
		Kind:    KindValidationFailed,
		Code:    code,
		Field:   field,
		Message: msg,
	}
}

func NewMediaConflictError(msg string) *Error {
	return &Error{
		Kind:    KindMediaConflict,
		Code:    CodeMediaConflict,
		Field:   "media",
		Message: msg,
	}
}

// NewImageValidationError lists each failing URL with its reason in Details.
func NewImageValidationError(details []string, cause error) *Error {
	return &Error{
		Kind:    KindImageValidationFailed,
		Code:    CodeImageValidationFailed,
		Field:   "imageUrls",
		Message: fmt.Sprintf("%d image(s) failed validation", len(details)),
		Details: details,
		Cause:   cause,
	}
}

func NewTokenUnavailableError(reason string, remaining, total int) *Error {
	return &Error{
		Kind:    KindTokenUnavailable,
		Code:    CodeTokenUnavailable,
		Message: fmt.Sprintf("word quota unavailable (%s): %d of %d words remaining", reason, remaining, total),
		Details: []string{reason},
	}
}

// NewExternalServiceError keeps the upstream error as Cause; msg must not contain credentials.
func NewExternalServiceError(service, msg string, cause error) *Error {
	return &Error{
		Kind:    KindExternalServiceFailure,
		Code:    CodeExternalService,
		Message: fmt.Sprintf("%s: %s", service, msg),
		Cause:   cause,
	}
}

func NewStateConflictError(msg string) *Error {
	return &Error{
		Kind:    KindStateConflict,
		Code:    CodeStateConflict,
		Message: msg,
	}
}
