// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blkhdr implements the packed 32-bit header and footer words used to
// describe a block inside the sandbox: its total physical footprint and the
// allocation state of the block and its left neighbor. Callers outside this
// package never touch the raw bits directly.
package blkhdr

const (
	// HeaderSize is the width, in bytes, of a block's header word.
	HeaderSize = 4
	// FooterSize is the width, in bytes, of a free block's footer word.
	FooterSize = 4
	// Overhead is the bytes every block, allocated or free, reserves for
	// bookkeeping: a free block spends it on header+footer, an allocated
	// block spends it on header plus a trailing alignment pad it never
	// writes to. Charging both kinds the same amount keeps every block's
	// total footprint, and therefore every returned payload pointer, on
	// an 8-byte boundary regardless of the alloc/free history of the
	// blocks that preceded it in the chain.
	Overhead = HeaderSize + FooterSize

	// MinPayload is the smallest payload a block can carry: 8 bytes, just
	// enough for a free list node's prev/next offsets.
	MinPayload = 8
	// MinTotal is the smallest valid block footprint.
	MinTotal = MinPayload + Overhead

	allocBit     = uint32(1) << 0
	prevAllocBit = uint32(1) << 2
	flagMask     = allocBit | prevAllocBit
	sizeMask     = ^flagMask
)

// Header is the 4-byte word at a block's lowest address. Bits 3..31 hold the
// block's total size; bit 0 is ALLOC; bit 2 is PREV-ALLOC.
type Header uint32

// Footer mirrors Header; it is only ever written for free blocks.
type Footer = Header

// Align8 rounds n up to the nearest multiple of 8.
func Align8(n int) int { return (n + 7) &^ 7 }

// Pack builds a header for a block of the given total footprint.
func Pack(total int, alloc, prevAlloc bool) Header {
	h := Header(uint32(total) & sizeMask)
	if alloc {
		h |= allocBit
	}
	if prevAlloc {
		h |= prevAllocBit
	}
	return h
}

// Size returns the block's total physical footprint in bytes.
func (h Header) Size() int { return int(uint32(h) & sizeMask) }

// Payload returns the usable capacity of the block: the bytes available to
// the caller if allocated, or to the free-list node if free.
func (h Header) Payload() int { return h.Size() - Overhead }

// IsAlloc reports whether the block is currently allocated.
func (h Header) IsAlloc() bool { return uint32(h)&allocBit != 0 }

// IsFree reports whether the block is currently free.
func (h Header) IsFree() bool { return !h.IsAlloc() }

// PrevAlloc reports whether the physically preceding block is allocated.
// When false, the block is preceded by a free block whose footer sits
// immediately before this header and can be read to find its start.
func (h Header) PrevAlloc() bool { return uint32(h)&prevAllocBit != 0 }

// WithAlloc returns h with its ALLOC bit set to v.
func (h Header) WithAlloc(v bool) Header {
	if v {
		return h | Header(allocBit)
	}
	return h &^ Header(allocBit)
}

// WithPrevAlloc returns h with its PREV-ALLOC bit set to v.
func (h Header) WithPrevAlloc(v bool) Header {
	if v {
		return h | Header(prevAllocBit)
	}
	return h &^ Header(prevAllocBit)
}

// WithSize returns h with its size field replaced; total must already be a
// multiple of 8.
func (h Header) WithSize(total int) Header {
	return (h &^ Header(sizeMask)) | Header(uint32(total)&sizeMask)
}
