package heap

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/jdbrandon/sandboxalloc/internal/blkhdr"
	"github.com/jdbrandon/sandboxalloc/internal/flist"
	"github.com/jdbrandon/sandboxalloc/sizeclass"
)

// CheckHeap walks the heap in physical order and then walks every free
// list, validating every invariant in SPEC_FULL.md §5 (unchanged from
// spec.md §3). It returns nil on success or an error wrapping
// ErrInvariantViolation describing the first violation found. When
// Options.DebugAssertions is set, a violation also logs and terminates the
// process via logrus.Fatal; verbose additionally dumps the heap to stderr
// before that happens.
func (a *Allocator) CheckHeap(verbose bool) error {
	freeSeen := 0
	prevAlloc := true // the prolog is allocated by construction
	off := prologOff

	for off != a.epilogOff {
		h := a.header(off)
		if h.PrevAlloc() != prevAlloc {
			return a.reportViolation(verbose, errors.Errorf("block at offset %d: prev-alloc bit %v, physical predecessor alloc=%v", off, h.PrevAlloc(), prevAlloc))
		}
		minSize := blkhdr.MinTotal
		if off == prologOff {
			minSize = blkhdr.Overhead // the prolog is a zero-payload sentinel
		}
		if h.Size() < minSize {
			return a.reportViolation(verbose, errors.Errorf("block at offset %d: size %d below minimum %d", off, h.Size(), minSize))
		}
		if a.payloadOf(off)%8 != 0 {
			return a.reportViolation(verbose, errors.Errorf("block at offset %d: payload pointer not 8-byte aligned", off))
		}

		next := off + uint32(h.Size())
		if next > a.epilogOff {
			return a.reportViolation(verbose, errors.Errorf("block at offset %d: size %d overruns epilog at %d", off, h.Size(), a.epilogOff))
		}

		if h.IsFree() {
			if !prevAlloc {
				return a.reportViolation(verbose, errors.Errorf("block at offset %d: physically adjacent to a free predecessor", off))
			}
			footer := a.header(next - blkhdr.FooterSize)
			if footer != h {
				return a.reportViolation(verbose, errors.Errorf("block at offset %d: header/footer mismatch (%#x vs %#x)", off, uint32(h), uint32(footer)))
			}
			freeSeen++
		}

		prevAlloc = h.IsAlloc()
		off = next
	}

	epilog := a.header(a.epilogOff)
	if !epilog.IsAlloc() {
		return a.reportViolation(verbose, errors.Errorf("epilog at %d is not marked allocated", a.epilogOff))
	}
	if epilog.PrevAlloc() != prevAlloc {
		return a.reportViolation(verbose, errors.Errorf("epilog at %d: prev-alloc bit %v, physical predecessor alloc=%v", a.epilogOff, epilog.PrevAlloc(), prevAlloc))
	}

	for c := sizeclass.Class(0); c < sizeclass.Count; c++ {
		n := 0
		var violation error
		a.lists[c].Walk(a.payloadOf, func(off uint32) bool {
			h := a.header(off)
			switch {
			case h.IsAlloc():
				violation = errors.Errorf("list %d holds allocated block at offset %d", c, off)
			case sizeclass.Of(h.Payload()) != c:
				violation = errors.Errorf("block at offset %d (payload %d) belongs on list %d, found on list %d", off, h.Payload(), sizeclass.Of(h.Payload()), c)
			default:
				node := flist.AtPayload(a.payloadOf(off))
				if flist.AtPayload(a.payloadOf(node.Next)).Prev != off || flist.AtPayload(a.payloadOf(node.Prev)).Next != off {
					violation = errors.Errorf("block at offset %d: circular list invariant broken on list %d", off, c)
				}
			}
			n++
			return violation == nil
		})
		if violation != nil {
			return a.reportViolation(verbose, violation)
		}
		freeSeen -= n
	}

	if freeSeen != 0 {
		return a.reportViolation(verbose, errors.Errorf("%d free block(s) seen in the physical walk are not on any free list", freeSeen))
	}
	return nil
}

func (a *Allocator) reportViolation(verbose bool, cause error) error {
	err := errors.Wrap(ErrInvariantViolation, cause.Error())
	entry := a.log.WithField("verbose", verbose)
	if verbose {
		a.DumpHeap(os.Stderr)
	}
	if a.opts.debugAssertions {
		entry.WithError(err).Fatal("heap invariant violation")
	} else {
		entry.WithError(err).Error("heap invariant violation")
	}
	return err
}

// DumpHeap writes one line per block, in physical order from the prolog to
// the epilog, to w. CheckHeap(verbose=true) calls it when it finds a
// violation.
func (a *Allocator) DumpHeap(w io.Writer) {
	off := prologOff
	for {
		h := a.header(off)
		state := "ALLOC"
		if h.IsFree() {
			state = "FREE"
		}
		fmt.Fprintf(w, "off=%-8d size=%-6d payload=%-6d %-5s prevAlloc=%v\n", off, h.Size(), h.Payload(), state, h.PrevAlloc())
		if off == a.epilogOff {
			return
		}
		off += uint32(h.Size())
	}
}

// DumpFreeList writes one line per member of class c's free list to w, in
// head-to-tail order.
func (a *Allocator) DumpFreeList(w io.Writer, c sizeclass.Class) {
	fmt.Fprintf(w, "class %d:\n", c)
	a.lists[c].Walk(a.payloadOf, func(off uint32) bool {
		h := a.header(off)
		fmt.Fprintf(w, "  off=%-8d size=%-6d payload=%-6d\n", off, h.Size(), h.Payload())
		return true
	})
}
