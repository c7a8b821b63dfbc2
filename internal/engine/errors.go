package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"aftflow/internal/engine/auth"
	"aftflow/internal/ledger"
	"aftflow/internal/repo"
)

// ErrAlreadySigned is returned when the slot the actor would write is already filled.
var ErrAlreadySigned = ledger.ErrAlreadySigned

// ValidationError reports rejected payload fields by name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

// asValidation lifts ledger field errors into a ValidationError and passes others through.
func asValidation(err error) error {
	var fe ledger.FieldErrors
	if errors.As(err, &fe) {
		fields := make(map[string]string, len(fe))
		for k, v := range fe {
			fields[k] = v
		}
		return &ValidationError{Fields: fields}
	}
	return err
}

// FailureKind groups transition errors by how callers should react to them.
type FailureKind string

const (
	KindForbidden     FailureKind = "forbidden"
	KindValidation    FailureKind = "validation"
	KindNotFound      FailureKind = "not_found"
	KindConflict      FailureKind = "conflict"
	KindAlreadySigned FailureKind = "already_signed"
	KindInternal      FailureKind = "internal"
)

// Classify labels an error for metrics, logs and the HTTP error envelope.
func Classify(err error) FailureKind {
	var forbidden auth.ForbiddenError
	var verr *ValidationError
	switch {
	case errors.As(err, &forbidden):
		return KindForbidden
	case errors.As(err, &verr):
		return KindValidation
	case errors.Is(err, repo.ErrNotFound):
		return KindNotFound
	case errors.Is(err, repo.ErrConflict):
		return KindConflict
	case errors.Is(err, ErrAlreadySigned):
		return KindAlreadySigned
	}
	return KindInternal
}
