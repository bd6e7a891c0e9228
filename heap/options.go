package heap

// defaultBestFitLookahead is the source's unjustified best-fit probe bound,
// carried forward as a tunable rather than a hardcoded constant.
const defaultBestFitLookahead = 5

// Options configures an Allocator. The zero value is not meant to be used
// directly; build one with New's functional options, which apply sane
// defaults first.
type Options struct {
	bestFitLookahead int
	inPlaceShrink    bool
	prewarm          bool
	debugAssertions  bool
}

func defaultOptions() Options {
	return Options{
		bestFitLookahead: defaultBestFitLookahead,
	}
}

// Option configures an Allocator at construction time.
type Option func(*Options)

// BestFitLookahead sets K, the number of successors probed past the first
// fitting block in a class's free list before placement commits to the
// smallest one seen. Default 5.
func BestFitLookahead(k int) Option {
	return func(o *Options) {
		if k < 1 {
			k = 1
		}
		o.bestFitLookahead = k
	}
}

// InPlaceShrink enables Realloc's in-place-shrink path (carve a tail free
// block instead of relocating when the new size is enough smaller than the
// current block). Default off, matching the source's final, gated-off
// variant.
func InPlaceShrink(v bool) Option {
	return func(o *Options) { o.inPlaceShrink = v }
}

// Prewarm extends the sandbox once at construction time and splits the
// initial free block down through every size class, so the first
// allocation of every class hits a populated list instead of falling
// through to extension. Default off.
func Prewarm(v bool) Option {
	return func(o *Options) { o.prewarm = v }
}

// DebugAssertions runs CheckHeap at the entry and exit of every public
// operation and aborts the process (via logrus.Fatal) on the first
// invariant violation found. Default off; enable it in tests and during
// development, not in a release build, since every call pays for a full
// heap walk.
func DebugAssertions(v bool) Option {
	return func(o *Options) { o.debugAssertions = v }
}
