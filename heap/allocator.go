// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package heap implements a segregated-free-list allocator with boundary
// tags over a sandbox.Sandbox. It replaces the teacher's power-of-two slab
// allocator with the thirteen explicit size classes in sizeclass, and its
// raw-pointer free-list nodes with the sandbox-relative offsets in
// internal/flist.
//
// An Allocator is not safe for concurrent use; callers serialize their own
// access (see the package's concurrency note in SPEC_FULL.md §7 — thread
// safety is an explicit non-goal, not an oversight).
package heap

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jdbrandon/sandboxalloc/internal/blkhdr"
	"github.com/jdbrandon/sandboxalloc/internal/flist"
	"github.com/jdbrandon/sandboxalloc/sandbox"
	"github.com/jdbrandon/sandboxalloc/sizeclass"
)

// prologOff is the fixed header offset of the prolog sentinel. The four
// bytes before it are an unused alignment pad: a page-granular sandbox size
// is always a multiple of 8, and 4 (pad) + 8 (prolog) is not, so the pad
// keeps the first real free block's payload 8-byte aligned without special
// casing the very first extension.
const prologOff uint32 = 4

// sentinelReserve is the total bytes New reserves for the pad, prolog and
// epilog before any usable free block exists.
const sentinelReserve = 4 + blkhdr.Overhead + blkhdr.FooterSize

// Allocator is a segregated free-list allocator over a sandbox.Sandbox. The
// zero value is not usable; construct one with New.
type Allocator struct {
	sb        sandbox.Sandbox
	base      uintptr
	epilogOff uint32
	lists     [sizeclass.Count]flist.Head
	opts      Options
	log       *logrus.Entry
}

// translateExtendErr maps a sandbox.Extend failure into the allocator's own
// error vocabulary. Running into the sandbox's ceiling is an ordinary,
// recoverable condition a caller is expected to handle (ErrOutOfMemory).
// Anything else means the host mapping primitive itself failed, which
// spec.md treats as fatal: it is logged and terminates the process via
// logrus.Fatal before being returned (the return only matters to tests that
// stub logrus's exit behavior away).
func (a *Allocator) translateExtendErr(requested int, err error) error {
	if errors.Is(err, sandbox.ErrCeilingExceeded) {
		return errors.Wrapf(ErrOutOfMemory, "heap: extend by %d: %v", requested, err)
	}
	wrapped := errors.Wrapf(ErrHostFailure, "heap: extend by %d: %v", requested, err)
	a.log.WithError(wrapped).Fatal("sandbox host failure")
	return wrapped
}

// New lays down the prolog/epilog sentinels and the initial free block over
// sb, extending it by one page's worth of bytes (sb.Extend rounds up), and
// returns a ready-to-use Allocator.
func New(sb sandbox.Sandbox, opts ...Option) (*Allocator, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	a := &Allocator{
		sb:   sb,
		opts: o,
		log:  logrus.WithField("component", "heap"),
	}

	granted, err := sb.Extend(sentinelReserve)
	if err != nil {
		return nil, a.translateExtendErr(sentinelReserve, err)
	}
	a.base = sb.Lo()

	a.setHeader(prologOff, blkhdr.Pack(blkhdr.Overhead, true, true))

	freeOff := prologOff + blkhdr.Overhead
	a.epilogOff = uint32(granted) - blkhdr.FooterSize
	freeTotal := int(a.epilogOff) - int(freeOff)

	freeHeader := blkhdr.Pack(freeTotal, false, true)
	a.setHeader(freeOff, freeHeader)
	a.setFooter(freeOff, freeTotal, freeHeader)
	a.setHeader(a.epilogOff, blkhdr.Pack(0, true, false))
	a.insertFree(freeOff)

	if o.prewarm {
		a.prewarmLists()
	}

	a.log.WithFields(logrus.Fields{"sandboxBytes": granted, "initialFreePayload": freeHeader.Payload()}).Debug("heap initialized")
	return a, nil
}

// --- raw block access -------------------------------------------------

func (a *Allocator) headerPtr(off uint32) *blkhdr.Header {
	return (*blkhdr.Header)(unsafe.Pointer(a.base + uintptr(off)))
}

func (a *Allocator) header(off uint32) blkhdr.Header { return *a.headerPtr(off) }

func (a *Allocator) setHeader(off uint32, h blkhdr.Header) { *a.headerPtr(off) = h }

func (a *Allocator) setFooter(off uint32, total int, h blkhdr.Footer) {
	*a.headerPtr(off + uint32(total) - blkhdr.FooterSize) = h
}

func (a *Allocator) footerBefore(off uint32) blkhdr.Footer { return a.header(off - blkhdr.FooterSize) }

func (a *Allocator) payloadOf(off uint32) uintptr { return a.base + uintptr(off) + blkhdr.HeaderSize }

func (a *Allocator) blockOff(p unsafe.Pointer) uint32 {
	return uint32(uintptr(p) - a.base - blkhdr.HeaderSize)
}

// physicalPrevOff returns the offset of the block physically preceding off
// and true, or (0, false) if off's PREV-ALLOC bit says the predecessor is
// allocated (and therefore opaque — it has no footer to read).
func (a *Allocator) physicalPrevOff(off uint32) (uint32, bool) {
	if a.header(off).PrevAlloc() {
		return 0, false
	}
	size := a.footerBefore(off).Size()
	return off - uint32(size), true
}

// setNeighborPrevAlloc flips the PREV-ALLOC bit of the block (or the
// epilog) starting at off. It works uniformly on the epilog because the
// epilog is itself just a bare header word.
func (a *Allocator) setNeighborPrevAlloc(off uint32, v bool) {
	a.setHeader(off, a.header(off).WithPrevAlloc(v))
}

// --- free list bookkeeping ----------------------------------------------

func (a *Allocator) insertFree(off uint32) {
	c := sizeclass.Of(a.header(off).Payload())
	a.lists[c].Insert(a.payloadOf, off)
}

func (a *Allocator) removeFree(off uint32) {
	c := sizeclass.Of(a.header(off).Payload())
	a.lists[c].Delete(a.payloadOf, off)
}

// merge combines two physically adjacent free blocks into one starting at
// leftOff. It does not touch either block's free-list membership; callers
// remove whichever of the two is on a list before calling, and decide
// themselves whether the result is inserted or carved.
func (a *Allocator) merge(leftOff, rightOff uint32) uint32 {
	lh := a.header(leftOff)
	rh := a.header(rightOff)
	total := lh.Size() + rh.Size()
	merged := blkhdr.Pack(total, false, lh.PrevAlloc())
	a.setHeader(leftOff, merged)
	a.setFooter(leftOff, total, merged)
	return leftOff
}

// --- placement ------------------------------------------------------------

// findFit looks for a free block of at least total bytes on class c's list.
// Exact-fit classes (0-3) pop the head unconditionally, since every member
// already has exactly the requested payload; range-fit and N classes run a
// bounded best-fit probe.
func (a *Allocator) findFit(c sizeclass.Class, total int) (uint32, bool) {
	if sizeclass.ExactFit(c) {
		head := a.lists[c]
		if head.Empty() {
			return 0, false
		}
		off := uint32(head)
		a.lists[c].Delete(a.payloadOf, off)
		return off, true
	}
	return a.boundedBestFit(c, total)
}

// boundedBestFit walks class c's list for the first block of at least total
// bytes, then probes up to K further successors for a smaller sufficient
// block, where K is Options.BestFitLookahead. The first block encountered
// among ties wins.
func (a *Allocator) boundedBestFit(c sizeclass.Class, total int) (uint32, bool) {
	head := a.lists[c]
	if head.Empty() {
		return 0, false
	}

	var firstOff uint32
	found := false
	head.Walk(a.payloadOf, func(off uint32) bool {
		if a.header(off).Size() >= total {
			firstOff = off
			found = true
			return false
		}
		return true
	})
	if !found {
		return 0, false
	}

	bestOff := firstOff
	bestSize := a.header(firstOff).Size()
	cur := firstOff
	for i := 0; i < a.opts.bestFitLookahead; i++ {
		cur = flist.AtPayload(a.payloadOf(cur)).Next
		if cur == firstOff {
			break
		}
		if sz := a.header(cur).Size(); sz >= total && sz < bestSize {
			bestOff, bestSize = cur, sz
		}
	}
	a.lists[c].Delete(a.payloadOf, bestOff)
	return bestOff, true
}

// carve marks a free block at off allocated for payload bytes, splitting a
// free tail off when the leftover is large enough to host one (at least
// blkhdr.MinTotal bytes). off must currently be free and detached from its
// list.
func (a *Allocator) carve(off uint32, payload int) uint32 {
	h := a.header(off)
	want := blkhdr.Align8(payload) + blkhdr.Overhead
	remainder := h.Size() - want

	if remainder < blkhdr.MinTotal {
		a.setHeader(off, blkhdr.Pack(h.Size(), true, h.PrevAlloc()))
		a.setNeighborPrevAlloc(off+uint32(h.Size()), true)
		return off
	}

	a.setHeader(off, blkhdr.Pack(want, true, h.PrevAlloc()))
	tailOff := off + uint32(want)
	tailHeader := blkhdr.Pack(remainder, false, true)
	a.setHeader(tailOff, tailHeader)
	a.setFooter(tailOff, remainder, tailHeader)
	a.setNeighborPrevAlloc(tailOff+uint32(remainder), false)
	a.insertFree(tailOff)
	return off
}

// shrinkInPlace trims an already-allocated block at off down to payload
// bytes and turns the freed tail into a new free block, merged with the
// right neighbor when that neighbor is free. Callers must have already
// verified the tail meets blkhdr.MinTotal.
func (a *Allocator) shrinkInPlace(off uint32, payload int) uint32 {
	h := a.header(off)
	newTotal := blkhdr.Align8(payload) + blkhdr.Overhead
	tailTotal := h.Size() - newTotal

	a.setHeader(off, blkhdr.Pack(newTotal, true, h.PrevAlloc()))
	tailOff := off + uint32(newTotal)
	tailHeader := blkhdr.Pack(tailTotal, false, true)
	a.setHeader(tailOff, tailHeader)
	a.setFooter(tailOff, tailTotal, tailHeader)
	rightOff := tailOff + uint32(tailTotal)
	if rightOff != a.epilogOff && a.header(rightOff).IsFree() {
		a.removeFree(rightOff)
		tailOff = a.merge(tailOff, rightOff)
	} else {
		a.setNeighborPrevAlloc(rightOff, false)
	}
	a.insertFree(tailOff)
	return off
}

// splitFreeOff splits the free block at off into a leading free block of
// Align8(firstPayload) payload bytes and a trailing free block with
// whatever remains, returning the tail's offset. It reports false, leaving off
// untouched, when the remainder would be smaller than blkhdr.MinTotal. Used
// only by Prewarm to pre-populate every class's list from the initial free
// block.
func (a *Allocator) splitFreeOff(off uint32, firstPayload int) (uint32, bool) {
	h := a.header(off)
	want := blkhdr.Align8(firstPayload) + blkhdr.Overhead
	remainder := h.Size() - want
	if remainder < blkhdr.MinTotal {
		return 0, false
	}

	first := blkhdr.Pack(want, false, h.PrevAlloc())
	a.setHeader(off, first)
	a.setFooter(off, want, first)

	tailOff := off + uint32(want)
	tail := blkhdr.Pack(remainder, false, true)
	a.setHeader(tailOff, tail)
	a.setFooter(tailOff, remainder, tail)
	a.setNeighborPrevAlloc(tailOff+uint32(remainder), false)
	return tailOff, true
}

func (a *Allocator) prewarmLists() {
	for c := sizeclass.Class(0); c < sizeclass.N; c++ {
		head := a.lists[sizeclass.N]
		if head.Empty() {
			return
		}
		off := uint32(head)
		payload, ok := sizeclass.FixedPayload(c)
		if !ok {
			payload, _ = sizeclass.Range(c)
		}

		a.lists[sizeclass.N].Delete(a.payloadOf, off)
		tailOff, split := a.splitFreeOff(off, payload)
		if !split {
			a.insertFree(off)
			return
		}
		a.insertFree(off)
		a.insertFree(tailOff)
	}
}

// extend grows the sandbox by at least total bytes, converts the old epilog
// into the new block's header, lays down a fresh epilog past the new
// high-water mark, coalesces with the left neighbor if it is free, and
// inserts the result onto its class's list.
func (a *Allocator) extend(total int) error {
	oldEpilogOff := a.epilogOff
	oldEpilog := a.header(oldEpilogOff)

	granted, err := a.sb.Extend(total)
	if err != nil {
		return a.translateExtendErr(total, err)
	}

	newOff := oldEpilogOff
	newTotal := granted
	newHeader := blkhdr.Pack(newTotal, false, oldEpilog.PrevAlloc())
	a.setHeader(newOff, newHeader)
	a.setFooter(newOff, newTotal, newHeader)

	a.epilogOff = newOff + uint32(newTotal)
	a.setHeader(a.epilogOff, blkhdr.Pack(0, true, false))

	if !oldEpilog.PrevAlloc() {
		if leftOff, ok := a.physicalPrevOff(newOff); ok {
			a.removeFree(leftOff)
			newOff = a.merge(leftOff, newOff)
		}
	}
	a.insertFree(newOff)
	a.log.WithFields(logrus.Fields{"requested": total, "granted": granted}).Debug("sandbox extended")
	return nil
}

// place finds or creates a free block of at least payload bytes and carves
// it for allocation, extending the sandbox as many times as needed.
func (a *Allocator) place(payload int) (uint32, error) {
	total := blkhdr.Align8(payload) + blkhdr.Overhead
	c := sizeclass.Of(payload)

	for {
		if off, ok := a.findFit(c, total); ok {
			return a.carve(off, payload), nil
		}
		if c != sizeclass.N {
			if off, ok := a.findFit(sizeclass.N, total); ok {
				return a.carve(off, payload), nil
			}
		}
		if err := a.extend(total); err != nil {
			return 0, err
		}
	}
}

// --- public operations ------------------------------------------------

func normalizePayload(size int) int {
	p := blkhdr.Align8(size)
	if p < blkhdr.MinPayload {
		p = blkhdr.MinPayload
	}
	return p
}

// Alloc returns an 8-byte-aligned pointer to at least size writable bytes,
// or an error if the sandbox's ceiling would be exceeded. Alloc panics for
// size < 0 and returns (nil, nil) for size == 0.
func (a *Allocator) Alloc(size int) (unsafe.Pointer, error) {
	if size < 0 {
		panic("heap: negative alloc size")
	}
	if a.opts.debugAssertions {
		if err := a.CheckHeap(false); err != nil {
			return nil, err
		}
	}
	if size == 0 {
		return nil, nil
	}

	off, err := a.place(normalizePayload(size))
	if err != nil {
		return nil, err
	}
	p := unsafe.Pointer(a.payloadOf(off))

	if a.opts.debugAssertions {
		if err := a.CheckHeap(false); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Free releases the block at p, which must have come from a prior call to
// Alloc, Calloc or Realloc on the same Allocator and not been freed since.
// Free(nil) is a no-op. Double-freeing or freeing a bad pointer is
// undefined-client-usage: not detected, consequences arbitrary.
func (a *Allocator) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	if a.opts.debugAssertions {
		_ = a.CheckHeap(false)
	}

	off := a.blockOff(p)
	h := a.header(off).WithAlloc(false)
	a.setHeader(off, h)

	leftOff, leftFree := a.physicalPrevOff(off)
	rightOff := off + uint32(h.Size())
	rightFree := rightOff != a.epilogOff && a.header(rightOff).IsFree()

	var merged uint32
	nmerges := 0
	switch {
	case !leftFree && !rightFree:
		a.setFooter(off, h.Size(), h)
		a.setNeighborPrevAlloc(rightOff, false)
		merged = off
	case !leftFree && rightFree:
		a.removeFree(rightOff)
		merged = a.merge(off, rightOff)
		nmerges = 1
	case leftFree && !rightFree:
		a.removeFree(leftOff)
		merged = a.merge(leftOff, off)
		nmerges = 1
	default:
		a.removeFree(leftOff)
		a.removeFree(rightOff)
		merged = a.merge(a.merge(leftOff, off), rightOff)
		nmerges = 2
	}

	if merged != off || rightFree || leftFree {
		rightOfMerged := merged + uint32(a.header(merged).Size())
		a.setNeighborPrevAlloc(rightOfMerged, false)
	}
	a.insertFree(merged)
	a.log.WithField("merges", nmerges).Debug("free coalesced")

	if a.opts.debugAssertions {
		_ = a.CheckHeap(false)
	}
}

// Realloc resizes the block at p to size bytes, preserving the first
// min(old, new) bytes of content, and returns the (possibly new) pointer.
// Realloc(nil, size) behaves as Alloc(size); Realloc(p, 0) behaves as
// Free(p) and returns (nil, nil).
func (a *Allocator) Realloc(p unsafe.Pointer, size int) (unsafe.Pointer, error) {
	if size < 0 {
		panic("heap: negative realloc size")
	}
	if p == nil {
		return a.Alloc(size)
	}
	if size == 0 {
		a.Free(p)
		return nil, nil
	}
	if a.opts.debugAssertions {
		if err := a.CheckHeap(false); err != nil {
			return nil, err
		}
	}

	off := a.blockOff(p)
	h := a.header(off)
	oldPayload := h.Payload()
	newPayload := normalizePayload(size)

	if newPayload == oldPayload {
		return p, nil
	}

	if newPayload > oldPayload {
		rightOff := off + uint32(h.Size())
		if rightOff != a.epilogOff {
			rh := a.header(rightOff)
			newTotal := blkhdr.Align8(newPayload) + blkhdr.Overhead
			if rh.IsFree() && h.Size()+rh.Size() >= newTotal {
				a.removeFree(rightOff)
				merged := a.merge(off, rightOff)
				res := a.carve(merged, newPayload)
				return a.finishRealloc(res)
			}
		}
	} else if a.opts.inPlaceShrink {
		newTotal := blkhdr.Align8(newPayload) + blkhdr.Overhead
		if h.Size()-newTotal >= blkhdr.MinTotal {
			res := a.shrinkInPlace(off, newPayload)
			return a.finishRealloc(res)
		}
	}

	newP, err := a.Alloc(size)
	if err != nil {
		return nil, err
	}
	copyLen := oldPayload
	if size < copyLen {
		copyLen = size
	}
	if copyLen > 0 {
		src := unsafe.Slice((*byte)(p), copyLen)
		dst := unsafe.Slice((*byte)(newP), copyLen)
		copy(dst, src)
	}
	a.Free(p)
	return newP, nil
}

func (a *Allocator) finishRealloc(off uint32) (unsafe.Pointer, error) {
	p := unsafe.Pointer(a.payloadOf(off))
	if a.opts.debugAssertions {
		if err := a.CheckHeap(false); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Calloc allocates room for n elements of elem bytes each, zeroed. It fails
// with ErrOutOfMemory (without ever calling the sandbox) if n*elem would
// overflow an int.
func (a *Allocator) Calloc(n, elem int) (unsafe.Pointer, error) {
	if n < 0 || elem < 0 {
		panic("heap: negative calloc argument")
	}
	total, overflow := mulOverflow(n, elem)
	if overflow {
		return nil, errors.Wrapf(ErrOutOfMemory, "calloc(%d, %d): size overflow", n, elem)
	}

	p, err := a.Alloc(total)
	if err != nil || p == nil {
		return p, err
	}
	b := unsafe.Slice((*byte)(p), total)
	for i := range b {
		b[i] = 0
	}
	return p, nil
}

func mulOverflow(x, y int) (int, bool) {
	if x == 0 || y == 0 {
		return 0, false
	}
	r := x * y
	if r/x != y {
		return 0, true
	}
	return r, false
}

// AllocBytes is Alloc wrapped as a bounds-checked slice, in the teacher's
// Malloc style, for callers that prefer not to touch unsafe.Pointer.
func (a *Allocator) AllocBytes(size int) ([]byte, error) {
	p, err := a.Alloc(size)
	if err != nil || p == nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), size), nil
}

// CallocBytes is Calloc wrapped as a bounds-checked slice.
func (a *Allocator) CallocBytes(n, elem int) ([]byte, error) {
	p, err := a.Calloc(n, elem)
	if err != nil || p == nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), n*elem), nil
}
