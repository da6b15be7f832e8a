package kmem

import "errors"

// Typed failures raised by the buddy tier and low-level helpers (spec
// section 7's "typed failures" regime). The slab tier catches these at
// its boundary and converts them into the latched ErrorCode bits below.
var (
	ErrInvalidArgument = errors.New("kmem: invalid argument")
	ErrOutOfMemory     = errors.New("kmem: out of memory")
	ErrOutOfRange      = errors.New("kmem: index out of range")
	ErrUnderflow       = errors.New("kmem: list is empty")
)

// ErrorCode is the per-cache latched error bitmask (spec section 6).
type ErrorCode uint32

const (
	OK                         ErrorCode = 0
	ErrNoMoreSpace             ErrorCode = 1
	ErrDestroyingNonEmptyCache ErrorCode = 2
	ErrDeallocatingWrongObject ErrorCode = 4
)
