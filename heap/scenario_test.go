package heap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdbrandon/sandboxalloc/sizeclass"
)

// Scenario 1: alloc/write/free/check.
func TestScenarioAllocWriteFreeCheck(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	p, err := a.Alloc(8)
	require.NoError(t, err)
	require.Zero(t, uintptr(p)%8)

	b := unsafe.Slice((*byte)(p), 8)
	for i := range b {
		b[i] = 0xAA
	}

	a.Free(p)
	require.NoError(t, a.CheckHeap(false))
}

// Scenario 2: 100 blocks of 24 bytes, free the even-indexed ones, assert
// they populate exactly class 2 with no duplicates, then free the rest.
func TestScenarioEvenOddFree(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	var ps []unsafe.Pointer
	for i := 0; i < 100; i++ {
		p, err := a.Alloc(24)
		require.NoError(t, err)
		ps = append(ps, p)
	}

	for i, p := range ps {
		if i%2 == 0 {
			a.Free(p)
		}
	}

	class2 := sizeclass.Of(24)
	seen := map[uint32]bool{}
	count := 0
	a.lists[class2].Walk(a.payloadOf, func(off uint32) bool {
		require.False(t, seen[off], "duplicate list member at offset %d", off)
		seen[off] = true
		count++
		return true
	})
	assert.Equal(t, 50, count)

	for i, p := range ps {
		if i%2 != 0 {
			a.Free(p)
		}
	}

	for c := sizeclass.Class(0); c < sizeclass.N; c++ {
		assert.True(t, a.lists[c].Empty(), "list %d should be empty", c)
	}
}

// Scenario 3: after two 2000-byte blocks are allocated and freed, a third
// 2000-byte allocation must reuse that space without extending the sandbox.
func TestScenarioLargeBlockReuse(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	p1, err := a.Alloc(2000)
	require.NoError(t, err)
	assert.Equal(t, sizeclass.N, sizeclass.Of(2000))

	p2, err := a.Alloc(2000)
	require.NoError(t, err)

	a.Free(p1)
	a.Free(p2)
	require.NoError(t, a.CheckHeap(false))

	epilogBefore := a.epilogOff
	p3, err := a.Alloc(2000)
	require.NoError(t, err)
	require.NotNil(t, p3)
	assert.Equal(t, epilogBefore, a.epilogOff, "third 2000-byte alloc must not extend the sandbox")
}

// Scenario 4: realloc(p, 64) after alloc(16); if the physically following
// block is free and large enough the pointer is reused in place, otherwise
// content is preserved across a relocation.
func TestScenarioReallocGrow(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	p, err := a.Alloc(16)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(p), 16)
	for i := range b {
		b[i] = byte(0x10 + i)
	}

	q, err := a.Realloc(p, 64)
	require.NoError(t, err)
	require.NotNil(t, q)

	got := unsafe.Slice((*byte)(q), 16)
	for i := range got {
		assert.Equal(t, byte(0x10+i), got[i])
	}
}

// Scenario 5: calloc(100, 4) zeroes all 400 bytes.
func TestScenarioCallocZeroing(t *testing.T) {
	a := newTestAllocator(t, 1<<20)
	p, err := a.Calloc(100, 4)
	require.NoError(t, err)
	b := unsafe.Slice((*byte)(p), 400)
	for _, v := range b {
		assert.Zero(t, v)
	}
}

// Scenario 6: pathological fragmentation. 1000 blocks of 16 bytes, free
// every other one, then request 32 bytes; must succeed (splitting a class-N
// block or extending) and CheckHeap must still hold.
func TestScenarioFragmentationThenLargerRequest(t *testing.T) {
	a := newTestAllocator(t, 8<<20)
	var ps []unsafe.Pointer
	for i := 0; i < 1000; i++ {
		p, err := a.Alloc(16)
		require.NoError(t, err)
		ps = append(ps, p)
	}
	for i, p := range ps {
		if i%2 == 0 {
			a.Free(p)
		}
	}
	require.NoError(t, a.CheckHeap(false))

	p, err := a.Alloc(32)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NoError(t, a.CheckHeap(false))
}
