package thinpool

import (
	"errors"

	"github.com/behrlich/thinpool/internal/metadata"
)

// Kind is the small error taxonomy spec.md §7 names. WouldBlock never
// escapes the fast path; every other kind can reach a request's completion
// callback or the administrative message channel.
type Kind string

const (
	KindNoSpace      Kind = "no-space"
	KindNotFound     Kind = "not-found"
	KindIO           Kind = "io"
	KindInvalid      Kind = "invalid"
	KindCorrupt      Kind = "corrupt"
	KindWouldBlock   Kind = "would-block"
	KindOutOfMemory  Kind = "out-of-memory"
)

// Error wraps an underlying cause with its spec.md §7 category.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Cause.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// classify maps a metadata-package error (or the space map's ErrNoSpace) to
// its spec.md §7 kind.
func classify(err error) Kind {
	switch {
	case errors.Is(err, metadata.ErrNoSpace):
		return KindNoSpace
	case errors.Is(err, metadata.ErrNotFound):
		return KindNotFound
	case errors.Is(err, metadata.ErrWouldBlock):
		return KindWouldBlock
	case errors.Is(err, metadata.ErrCorrupt):
		return KindCorrupt
	case errors.Is(err, metadata.ErrInvalid), errors.Is(err, metadata.ErrExists):
		return KindInvalid
	default:
		return KindIO
	}
}
