package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so transports can map it to a stable code.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindUpstream            Kind = "upstream_error"
	KindDataGap             Kind = "data_gap"
	KindFeatureMismatch     Kind = "feature_mismatch"
	KindCacheWrite          Kind = "cache_write_error"
	KindTimeout             Kind = "timeout"
	KindNotFound            Kind = "not_found"
	KindInternal            Kind = "internal_error"
)

// Error is the error type returned across package boundaries.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "openmeteo.fetch"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can use errors.Is(err, &Error{Kind: KindDataGap}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// NewError builds an Error with a formatted message.
func NewError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and operation to an underlying error.
func WrapError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ValidationError reports an invalid request field.
func ValidationError(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: "validate", Msg: field + ": " + fmt.Sprintf(format, args...)}
}

// DataGapError reports a variable with no usable value.
func DataGapError(variable, reason string) *Error {
	return &Error{Kind: KindDataGap, Op: variable, Msg: reason}
}

// FeatureMismatchError reports a feature vector that does not match a model.
func FeatureMismatchError(model, format string, args ...any) *Error {
	return &Error{Kind: KindFeatureMismatch, Op: "model " + model, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of the first Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
