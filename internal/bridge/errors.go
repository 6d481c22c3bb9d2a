package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/eoger/lockbox-bridge/internal/handle"
	"github.com/eoger/lockbox-bridge/internal/registry"
)

// Kind classifies a boundary failure.
type Kind string

const (
	KindInvalidHandle     Kind = "invalid_handle"
	KindMalformedHandle   Kind = "malformed_handle"
	KindMalformedArgument Kind = "malformed_argument"
	KindEngine            Kind = "engine_error"
	KindLockUnavailable   Kind = "lock_unavailable"
	KindCanceled          Kind = "canceled"
	KindInternal          Kind = "internal"
)

// Error is the only error type operations return.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or KindInternal if err is not an *Error.
// It returns "" for a nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Translate maps an internal failure onto a boundary error. Errors that are
// already *Error pass through with op filled in.
func Translate(op string, err error) error {
	if err == nil {
		return nil
	}

	var be *Error
	if errors.As(err, &be) {
		if be.Op == "" {
			be.Op = op
		}
		return be
	}

	var pe *registry.PanicError
	kind := KindEngine
	switch {
	case errors.As(err, &pe):
		kind = KindInternal
	case errors.Is(err, registry.ErrInvalidHandle):
		kind = KindInvalidHandle
	case errors.Is(err, registry.ErrLockUnavailable):
		kind = KindLockUnavailable
	case errors.Is(err, handle.ErrMalformed):
		kind = KindMalformedHandle
	case errors.Is(err, handle.ErrExhausted):
		kind = KindInternal
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = KindCanceled
	}
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

func malformedArgument(name string) error {
	return &Error{Kind: KindMalformedArgument, Message: name + " is required"}
}
