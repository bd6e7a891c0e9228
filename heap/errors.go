package heap

import "github.com/pkg/errors"

// ErrOutOfMemory is returned by Alloc/Calloc/Realloc when a request cannot
// be satisfied within the sandbox's ceiling.
var ErrOutOfMemory = errors.New("heap: out of memory")

// ErrHostFailure wraps a sandbox.Extend failure other than reaching the
// sandbox's ceiling. The allocator treats this as fatal (see
// translateExtendErr, which logs it via logrus.Fatal), matching spec.md's
// "HostFailure... terminates the process".
var ErrHostFailure = errors.New("heap: host failure")

// ErrInvariantViolation is returned by CheckHeap when a heap invariant does
// not hold.
var ErrInvariantViolation = errors.New("heap: invariant violation")
