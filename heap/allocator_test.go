package heap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdbrandon/sandboxalloc/sandbox"
)

func newTestAllocator(t *testing.T, ceiling int, opts ...Option) *Allocator {
	t.Helper()
	sb, err := sandbox.New(ceiling)
	require.NoError(t, err)

	a, err := New(sb, append([]Option{DebugAssertions(true)}, opts...)...)
	require.NoError(t, err)
	return a
}

func TestAllocReturnsAlignedPointer(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	for _, size := range []int{1, 7, 8, 9, 31, 32, 33, 100, 1200} {
		p, err := a.Alloc(size)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Zero(t, uintptr(p)%8, "size %d", size)
	}
	require.NoError(t, a.CheckHeap(false))
}

func TestAllocZeroReturnsNil(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	p, err := a.Alloc(0)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestAllocNegativePanics(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	assert.Panics(t, func() { a.Alloc(-1) })
}

func TestFreeNilIsNoop(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	a.Free(nil)
	require.NoError(t, a.CheckHeap(false))
}

func TestAllocFreeRoundTripWritesPersist(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	p, err := a.Alloc(8)
	require.NoError(t, err)

	b := unsafe.Slice((*byte)(p), 8)
	for i := range b {
		b[i] = 0xAA
	}
	for i := range b {
		assert.Equal(t, byte(0xAA), b[i])
	}

	a.Free(p)
	require.NoError(t, a.CheckHeap(false))
}

func TestFreeCoalescesBothNeighbors(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	p1, err := a.Alloc(64)
	require.NoError(t, err)
	p2, err := a.Alloc(64)
	require.NoError(t, err)
	p3, err := a.Alloc(64)
	require.NoError(t, err)

	a.Free(p1)
	a.Free(p3)
	require.NoError(t, a.CheckHeap(false))

	a.Free(p2)
	require.NoError(t, a.CheckHeap(false))

	// Everything should have recombined into one free block big enough to
	// satisfy a new request without extending the sandbox.
	sizeBefore := a.epilogOff
	p4, err := a.Alloc(64)
	require.NoError(t, err)
	require.NotNil(t, p4)
	assert.Equal(t, sizeBefore, a.epilogOff, "must not have extended the sandbox")
}

func TestCallocZeroesEveryByte(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	p, err := a.Calloc(100, 4)
	require.NoError(t, err)
	require.NotNil(t, p)

	b := unsafe.Slice((*byte)(p), 400)
	for i, v := range b {
		assert.Zerof(t, v, "byte %d", i)
	}
}

func TestCallocOverflowFails(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	_, err := a.Calloc(1<<40, 1<<40)
	require.Error(t, err)
}

func TestReallocFromNilBehavesAsAlloc(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	p, err := a.Realloc(nil, 32)
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestReallocToZeroBehavesAsFree(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	p, err := a.Alloc(32)
	require.NoError(t, err)

	q, err := a.Realloc(p, 0)
	require.NoError(t, err)
	assert.Nil(t, q)
	require.NoError(t, a.CheckHeap(false))
}

func TestReallocSameClassReturnsSamePointer(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	p, err := a.Alloc(20)
	require.NoError(t, err)

	q, err := a.Realloc(p, 24)
	require.NoError(t, err)
	assert.Equal(t, p, q)
}

func TestReallocGrowPreservesContent(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	p, err := a.Alloc(16)
	require.NoError(t, err)
	src := unsafe.Slice((*byte)(p), 16)
	for i := range src {
		src[i] = byte(i + 1)
	}

	q, err := a.Realloc(p, 64)
	require.NoError(t, err)
	require.NotNil(t, q)
	dst := unsafe.Slice((*byte)(q), 16)
	for i := range dst {
		assert.Equal(t, byte(i+1), dst[i])
	}
	require.NoError(t, a.CheckHeap(false))
}

func TestOutOfMemoryReturnsError(t *testing.T) {
	a := newTestAllocator(t, 4096)
	_, err := a.Alloc(1 << 30)
	assert.Error(t, err)
}

func TestAllocBytesAndCallocBytes(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	b, err := a.AllocBytes(10)
	require.NoError(t, err)
	assert.Len(t, b, 10)

	c, err := a.CallocBytes(5, 2)
	require.NoError(t, err)
	assert.Len(t, c, 10)
	for _, v := range c {
		assert.Zero(t, v)
	}
}
