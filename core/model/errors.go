package model

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure kinds surfaced by the control plane.
type Kind string

const (
	KindValidationDenied Kind = "validation_denied"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindPolicyDenied     Kind = "policy_denied"
	KindUnavailable      Kind = "unavailable"
)

// ErrorDetails carries structured context for a failure.
type ErrorDetails struct {
	Entity string `json:"entity,omitempty"`
	ID     string `json:"id,omitempty"`
	Field  string `json:"field,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
}

// Error is a typed control-plane failure.
type Error struct {
	Kind    Kind
	Message string
	Details ErrorDetails
	Err     error
}

// Sentinels for errors.Is comparisons by kind.
var (
	ErrValidationDenied = &Error{Kind: KindValidationDenied}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrPolicyDenied     = &Error{Kind: KindPolicyDenied}
	ErrUnavailable      = &Error{Kind: KindUnavailable}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind when the target is a bare sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message != "" || t.Err != nil {
		return e == t
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of a control-plane error, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// NotFound reports a missing entity.
func NotFound(entity, id string) error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s %q not found", entity, id),
		Details: ErrorDetails{Entity: entity, ID: id},
	}
}

// Conflict reports an illegal state transition.
func Conflict(entity, id, from, to string) error {
	return &Error{
		Kind:    KindConflict,
		Message: fmt.Sprintf("%s %q cannot transition %s -> %s", entity, id, from, to),
		Details: ErrorDetails{Entity: entity, ID: id, From: from, To: to},
	}
}

// ConflictMsg reports a conflict that is not a plain transition.
func ConflictMsg(entity, id, msg string) error {
	return &Error{
		Kind:    KindConflict,
		Message: msg,
		Details: ErrorDetails{Entity: entity, ID: id},
	}
}

// ValidationDenied reports a missing or malformed field.
func ValidationDenied(field, msg string) error {
	return &Error{
		Kind:    KindValidationDenied,
		Message: msg,
		Details: ErrorDetails{Field: field},
	}
}

// Unavailable wraps an infrastructure failure.
func Unavailable(msg string, err error) error {
	return &Error{Kind: KindUnavailable, Message: msg, Err: err}
}
