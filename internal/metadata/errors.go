package metadata

import "github.com/pkg/errors"

// Sentinel errors matching the taxonomy of spec.md §7. Callers should use
// errors.Is (stdlib) against these, since pkg/errors.Wrap preserves the
// underlying sentinel for unwrapping.
var (
	ErrNoSpace   = errors.New("metadata: no space")
	ErrNotFound  = errors.New("metadata: not found")
	ErrWouldBlock = errors.New("metadata: would block")
	ErrIO        = errors.New("metadata: io error")
	ErrCorrupt   = errors.New("metadata: corrupt")
	ErrExists    = errors.New("metadata: already exists")
	ErrInvalid   = errors.New("metadata: invalid argument")
)
