// Package sandbox supplies the host-provided, monotonically growable byte
// region the allocator carves blocks out of. It is the external collaborator
// spec.md calls "the sandbox provider": the allocator core only ever asks it
// for its current bounds and for more bytes, never for how those bytes are
// obtained.
package sandbox

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrCeilingExceeded is returned by Extend when granting delta (rounded up
// to a whole number of pages) would push the sandbox past its ceiling.
var ErrCeilingExceeded = errors.New("sandbox: extension would exceed ceiling")

// ErrHostFailure is returned when the underlying OS mapping operation fails.
// Per spec.md this is a fatal condition for the allocator above us; it is
// plumbed back as an ordinary error so the caller decides how to terminate.
var ErrHostFailure = errors.New("sandbox: host mapping failure")

// Sandbox is the growable `[lo, hi]` region the allocator core is built on.
// All addresses it hands out remain valid for the Sandbox's lifetime; Extend
// never invalidates a previously returned Lo()/Hi().
type Sandbox interface {
	// Lo is the first valid address in the region.
	Lo() uintptr
	// Hi is the last valid address in the region, or Lo()-1 if the
	// sandbox has not been extended yet.
	Hi() uintptr
	// Size is the number of bytes currently in [Lo(), Hi()].
	Size() int
	// Extend grows the region by at least delta bytes, rounded up to a
	// whole number of pages, and returns the number of bytes actually
	// granted. It never shrinks the region and never moves Lo().
	Extend(delta int) (granted int, err error)
}

var pageSize = os.Getpagesize()

func roundupPage(n int) int {
	m := pageSize
	return (n + m - 1) &^ (m - 1)
}

// mmapSandbox reserves the entire ceiling from the host in one mapping at
// construction time and treats Extend as advancing a high-water mark within
// that reservation. This keeps the one genuinely OS-specific operation
// (reserving page-granular memory, spec.md §6's "host interface") to a
// single call per Sandbox, and sidesteps having to grow an existing mapping
// in place, which POSIX and Windows handle too differently to share code
// for.
type mmapSandbox struct {
	mem     []byte
	used    int
	ceiling int
	log     *logrus.Entry
}

// New reserves a sandbox capable of growing up to ceiling bytes.
func New(ceiling int) (Sandbox, error) {
	if ceiling <= 0 {
		return nil, errors.New("sandbox: ceiling must be positive")
	}

	reserve := roundupPage(ceiling)
	mem, err := mmap0(reserve)
	if err != nil {
		return nil, errors.Wrapf(ErrHostFailure, "sandbox: reserve %d bytes: %v", reserve, err)
	}

	return &mmapSandbox{
		mem:     mem,
		ceiling: ceiling,
		log:     logrus.WithField("component", "sandbox"),
	}, nil
}

func (s *mmapSandbox) Lo() uintptr { return uintptr(unsafe.Pointer(&s.mem[0])) }

func (s *mmapSandbox) Hi() uintptr {
	if s.used == 0 {
		return s.Lo() - 1
	}
	return s.Lo() + uintptr(s.used) - 1
}

func (s *mmapSandbox) Size() int { return s.used }

func (s *mmapSandbox) Extend(delta int) (int, error) {
	if delta <= 0 {
		return 0, errors.New("sandbox: delta must be positive")
	}

	granted := roundupPage(delta)
	if s.used+granted > s.ceiling {
		return 0, errors.Wrapf(ErrCeilingExceeded, "used=%d requested=%d ceiling=%d", s.used, granted, s.ceiling)
	}
	if s.used+granted > len(s.mem) {
		// Should be unreachable: the reservation is sized to the ceiling.
		return 0, errors.Wrap(ErrHostFailure, "sandbox: reservation exhausted")
	}

	s.used += granted
	s.log.WithFields(logrus.Fields{"granted": granted, "size": s.used}).Debug("extend")
	return granted, nil
}

// Close releases the reservation. Not part of the Sandbox interface: callers
// that own a concrete *mmapSandbox (the package's tests) may call it during
// teardown; the allocator never needs to.
func (s *mmapSandbox) Close() error {
	if s.mem == nil {
		return nil
	}
	err := munmap(unsafe.Pointer(&s.mem[0]), len(s.mem))
	s.mem = nil
	return err
}
