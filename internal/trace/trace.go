// Package trace generates and replays randomized allocator operation
// sequences. It generalizes the teacher's test1 (cznic-memory/all_test.go):
// that function inlines one allocate-verify-shuffle-free pass hardcoded to
// Allocator.Malloc/Free; this package factors the same mathutil.FC32-driven
// approach into a reusable op stream and a Target interface, so it can drive
// any of Alloc/Free/Realloc/Calloc in any mix and be replayed against
// anything that implements Target — in practice heap.Allocator, used by its
// soak tests.
package trace

import (
	"math"
	"unsafe"

	"github.com/cznic/mathutil"
	"github.com/pkg/errors"
)

// Kind identifies which of the four public operations an Op performs.
type Kind int

const (
	Alloc Kind = iota
	Free
	Realloc
	Calloc
)

func (k Kind) String() string {
	switch k {
	case Alloc:
		return "alloc"
	case Free:
		return "free"
	case Realloc:
		return "realloc"
	case Calloc:
		return "calloc"
	default:
		return "unknown"
	}
}

// Op is one step of a replayable trace. Target indexes into the replayer's
// slice of still-live pointers (in the order they were allocated); it is
// meaningless for Alloc and Calloc, which always create a new entry.
type Op struct {
	Kind    Kind
	Size    int
	N, Elem int
	Target  int
}

// Generate produces a pseudo-random sequence of n ops using mathutil.FC32
// seeded with seed, biased two-to-one toward allocation over free/realloc so
// the live set tends to grow across a run the way test1's allocate phase
// does, while still exercising frees and reallocs throughout rather than
// only at the end.
func Generate(seed int32, n, maxSize int) ([]Op, error) {
	if maxSize < 1 {
		return nil, errors.Errorf("trace: maxSize must be positive, got %d", maxSize)
	}

	rng, err := mathutil.NewFC32(0, math.MaxInt32, true)
	if err != nil {
		return nil, errors.Wrap(err, "trace: building FC32 generator")
	}
	rng.Seed(seed)

	ops := make([]Op, 0, n)
	live := 0
	for i := 0; i < n; i++ {
		switch rng.Next() % 4 {
		case 0, 1:
			ops = append(ops, Op{Kind: Alloc, Size: rng.Next()%maxSize + 1})
			live++
		case 2:
			if live == 0 {
				ops = append(ops, Op{Kind: Alloc, Size: rng.Next()%maxSize + 1})
				live++
				continue
			}
			ops = append(ops, Op{Kind: Free, Target: rng.Next() % live})
			live--
		case 3:
			if live == 0 {
				ops = append(ops, Op{Kind: Alloc, Size: rng.Next()%maxSize + 1})
				live++
				continue
			}
			ops = append(ops, Op{Kind: Realloc, Target: rng.Next() % live, Size: rng.Next()%maxSize + 1})
		}
	}
	return ops, nil
}

// Target is the subset of heap.Allocator a Replay drives.
type Target interface {
	Alloc(size int) (unsafe.Pointer, error)
	Free(p unsafe.Pointer)
	Realloc(p unsafe.Pointer, size int) (unsafe.Pointer, error)
	Calloc(n, elem int) (unsafe.Pointer, error)
	CheckHeap(verbose bool) error
}

// Replay executes ops against t in order, maintaining the live-pointer
// slice Op.Target indexes into. When checkEveryOp is true it calls
// t.CheckHeap(false) after every step and stops at the first failure,
// returning which step (0-based) and op triggered it.
func Replay(t Target, ops []Op, checkEveryOp bool) (failedAt int, err error) {
	var live []unsafe.Pointer

	for i, op := range ops {
		switch op.Kind {
		case Alloc:
			p, aerr := t.Alloc(op.Size)
			if aerr != nil {
				return i, errors.Wrapf(aerr, "trace: step %d: alloc(%d)", i, op.Size)
			}
			live = append(live, p)
		case Free:
			if op.Target < 0 || op.Target >= len(live) {
				continue
			}
			t.Free(live[op.Target])
			live = append(live[:op.Target], live[op.Target+1:]...)
		case Realloc:
			if op.Target < 0 || op.Target >= len(live) {
				continue
			}
			q, rerr := t.Realloc(live[op.Target], op.Size)
			if rerr != nil {
				return i, errors.Wrapf(rerr, "trace: step %d: realloc(target=%d, %d)", i, op.Target, op.Size)
			}
			live[op.Target] = q
		case Calloc:
			p, cerr := t.Calloc(op.N, op.Elem)
			if cerr != nil {
				return i, errors.Wrapf(cerr, "trace: step %d: calloc(%d, %d)", i, op.N, op.Elem)
			}
			live = append(live, p)
		}

		if checkEveryOp {
			if cerr := t.CheckHeap(false); cerr != nil {
				return i, errors.Wrapf(cerr, "trace: step %d (%s): invariant violated", i, op.Kind)
			}
		}
	}
	return -1, nil
}
