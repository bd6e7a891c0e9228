// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flist implements the intrusive, circular, doubly linked free-list
// nodes that live inside the payload of free blocks. Each node stores its
// neighbors as 32-bit offsets relative to the sandbox's low address rather
// than raw pointers, halving the node size so the smallest supported block
// (8 bytes of payload) can still host one.
package flist

import "unsafe"

// Node is the 8-byte record persisted at the start of a free block's
// payload. Offsets name blocks by their header's sandbox-relative byte
// offset; zero means "absent" (no block legitimately starts at offset 0,
// which belongs to the sandbox's leading alignment pad).
type Node struct {
	Prev uint32
	Next uint32
}

// AtPayload interprets the memory at payloadAddr as a *Node. The caller is
// responsible for payloadAddr pointing at a free block with at least 8 bytes
// of payload.
func AtPayload(payloadAddr uintptr) *Node {
	return (*Node)(unsafe.Pointer(payloadAddr))
}

// PayloadOf resolves a block's header offset to the address of its payload,
// where its Node lives. Supplied by the caller, which alone knows the
// sandbox base and header width.
type PayloadOf func(blockOff uint32) uintptr

// Head anchors one segregated free list by the header offset of one of its
// members. Zero means the list is empty. The list is circular: every member
// satisfies Prev(Next(n)) == n and Next(Prev(n)) == n, including a
// single-member list, which points to itself.
type Head uint32

// Empty reports whether the list has no members.
func (h Head) Empty() bool { return h == 0 }

// Insert pushes blockOff onto the head of the list (LIFO). No sort by
// address or size is maintained; placement quality is recovered at search
// time by a bounded best-fit probe, not by list order.
func (h *Head) Insert(payloadOf PayloadOf, blockOff uint32) {
	n := AtPayload(payloadOf(blockOff))
	if h.Empty() {
		n.Prev, n.Next = blockOff, blockOff
		*h = Head(blockOff)
		return
	}

	headOff := uint32(*h)
	head := AtPayload(payloadOf(headOff))
	tailOff := head.Prev
	tail := AtPayload(payloadOf(tailOff))

	n.Prev = tailOff
	n.Next = headOff
	tail.Next = blockOff
	head.Prev = blockOff
	*h = Head(blockOff)
}

// Delete removes blockOff from the list in O(1) using its stored neighbors.
// blockOff must currently be a member of the list.
func (h *Head) Delete(payloadOf PayloadOf, blockOff uint32) {
	n := AtPayload(payloadOf(blockOff))
	if n.Next == blockOff {
		// Sole member.
		*h = 0
		return
	}

	prev := AtPayload(payloadOf(n.Prev))
	next := AtPayload(payloadOf(n.Next))
	prev.Next = n.Next
	next.Prev = n.Prev
	if uint32(*h) == blockOff {
		*h = Head(n.Next)
	}
}

// Walk calls fn for every member of the list, starting at the head, until fn
// returns false or every member has been visited once.
func (h Head) Walk(payloadOf PayloadOf, fn func(blockOff uint32) bool) {
	if h.Empty() {
		return
	}

	start := uint32(h)
	off := start
	for {
		if !fn(off) {
			return
		}
		off = AtPayload(payloadOf(off)).Next
		if off == start {
			return
		}
	}
}
