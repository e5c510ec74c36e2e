// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package uidtable interns the stack fragments a collector writes once and
// then refers to by id. Every fragment is a singly linked chain of nodes, leaf
// frame first, whose tail may link to another fragment by id.
package uidtable

import (
	"sort"
)

// Markers a collector embeds in a stack in place of a frame address.
const (
	LeafCheckMarker    = ^uint64(1)
	TruncatedMarker    = ^uint64(2)
	FailedUnwindMarker = ^uint64(3)

	// The same markers as found in stacks of 32-bit words.
	LeafCheckMarker32    = uint32(LeafCheckMarker & 0xffffffff)
	TruncatedMarker32    = uint32(TruncatedMarker & 0xffffffff)
	FailedUnwindMarker32 = uint32(FailedUnwindMarker & 0xffffffff)

	// AlgorithmicError replaces the value of a node whose id was defined
	// twice with different values.
	AlgorithmicError = ^uint64(0xff)
)

// Widen converts a 32-bit stack word to 64 bits, keeping markers intact.
func Widen(w uint32) uint64 {
	switch w {
	case LeafCheckMarker32, TruncatedMarker32, FailedUnwindMarker32:
		return uint64(w) | 0xffffffff00000000
	}
	return uint64(w)
}

// NodeID references a node of a Table. Nil is the end of a chain.
type NodeID int32

const Nil NodeID = -1

const (
	bucketBits = 13
	bucketMask = 1<<bucketBits - 1
)

type node struct {
	id    uint64
	value uint64
	next  NodeID
}

// Termination tells why a walk stopped.
type Termination int

const (
	// Complete means the chain ended normally.
	Complete Termination = iota
	// Stopped means the callback asked to stop.
	Stopped
	// Truncated means the collector cut the stack short.
	Truncated
	// FailedUnwind means the collector could not unwind further.
	FailedUnwind
	// Unresolved means a link referred to an id that was never defined.
	Unresolved
	// Inconsistent means the chain went through a node flagged with
	// AlgorithmicError, or looped.
	Inconsistent
)

func (t Termination) String() string {
	switch t {
	case Complete:
		return "complete"
	case Stopped:
		return "stopped"
	case Truncated:
		return "truncated"
	case FailedUnwind:
		return "failed-unwind"
	case Unresolved:
		return "unresolved"
	case Inconsistent:
		return "inconsistent"
	}
	return "unknown"
}

// Table owns all chain nodes of one experiment. Nodes are never freed
// individually. A Table is not safe for concurrent use.
type Table struct {
	nodes   []node
	buckets [1 << bucketBits]NodeID

	// index is authoritative until Seal; afterwards sorted is.
	index  map[uint64]NodeID
	sorted []NodeID

	inconsistent int
}

// New returns an empty table.
func New() *Table {
	t := &Table{index: map[uint64]NodeID{}}
	for i := range t.buckets {
		t.buckets[i] = Nil
	}
	return t
}

// Len returns the number of allocated nodes.
func (t *Table) Len() int {
	return len(t.nodes)
}

// Inconsistent returns how many ids were redefined with a different value.
func (t *Table) Inconsistent() int {
	return t.inconsistent
}

// Value returns the frame value held by a node.
func (t *Table) Value(n NodeID) uint64 {
	return t.nodes[n].value
}

// Next returns the node following n.
func (t *Table) Next(n NodeID) NodeID {
	return t.nodes[n].next
}

// ID returns the id a node was interned under, 0 for anonymous nodes.
func (t *Table) ID(n NodeID) uint64 {
	return t.nodes[n].id
}

func bucket(id uint64) int {
	return int(id>>4) & bucketMask
}

func (t *Table) alloc(id, value uint64, next NodeID) NodeID {
	t.nodes = append(t.nodes, node{id: id, value: value, next: next})
	return NodeID(len(t.nodes) - 1)
}

// Lookup returns the node interned under id, or Nil.
func (t *Table) Lookup(id uint64) NodeID {
	if id == 0 {
		return Nil
	}
	b := bucket(id)
	if n := t.buckets[b]; n != Nil && t.nodes[n].id == id {
		return n
	}

	n := Nil
	if t.index != nil {
		if found, ok := t.index[id]; ok {
			n = found
		}
	} else {
		i := sort.Search(len(t.sorted), func(i int) bool { return t.nodes[t.sorted[i]].id >= id })
		if i < len(t.sorted) && t.nodes[t.sorted[i]].id == id {
			n = t.sorted[i]
		}
	}
	if n != Nil {
		t.buckets[b] = n
	}
	return n
}

// GetOrCreate returns the node interned under id, creating it with value if
// id is new. A node found with a different value is flagged with
// AlgorithmicError. Id 0 always yields a fresh anonymous node.
func (t *Table) GetOrCreate(id, value uint64) NodeID {
	if id == 0 {
		return t.alloc(0, value, Nil)
	}
	if n := t.Lookup(id); n != Nil {
		if t.nodes[n].value != value && t.nodes[n].value != AlgorithmicError {
			t.nodes[n].value = AlgorithmicError
			t.inconsistent++
		}
		return n
	}

	t.unseal()
	n := t.alloc(id, value, Nil)
	t.index[id] = n
	t.buckets[bucket(id)] = n
	return n
}

// Link returns the node interned under id. Unknown ids yield a detached
// placeholder whose next is itself; Walk resolves it by id later.
func (t *Table) Link(id uint64) NodeID {
	if id == 0 {
		return Nil
	}
	if n := t.Lookup(id); n != Nil {
		return n
	}
	n := t.alloc(id, 0, Nil)
	t.nodes[n].next = n
	return n
}

// AddChain interns a stack fragment: frames are leaf first and link names the
// fragment that continues it. Leaf-check markers are dropped; a truncation or
// failed-unwind marker ends the fragment and discards the link. It returns
// the head of the chain, Nil for an empty fragment without a link.
func (t *Table) AddChain(id uint64, frames []uint64, link uint64) NodeID {
	if id != 0 {
		if n := t.Lookup(id); n != Nil {
			if len(frames) > 0 {
				t.GetOrCreate(id, firstFrame(frames))
			}
			return n
		}
	}

	head, tail := Nil, Nil
	add := func(value uint64) {
		var n NodeID
		if head == Nil {
			n = t.GetOrCreate(id, value)
			head = n
		} else {
			n = t.alloc(0, value, Nil)
			t.nodes[tail].next = n
		}
		tail = n
	}

	terminated := false
	for _, v := range frames {
		if v == LeafCheckMarker {
			continue
		}
		add(v)
		if v == TruncatedMarker || v == FailedUnwindMarker {
			terminated = true
			break
		}
	}

	if terminated || link == 0 {
		return head
	}
	if head == Nil {
		if id == 0 {
			return t.Link(link)
		}
		// A named fragment with no frames of its own aliases its link.
		add(LeafCheckMarker)
	}
	t.nodes[tail].next = t.Link(link)
	return head
}

func firstFrame(frames []uint64) uint64 {
	for _, v := range frames {
		if v != LeafCheckMarker {
			return v
		}
	}
	return LeafCheckMarker
}

// Walk calls fn for every frame of the chain starting at head, leaf first,
// following links by id, and reports why it stopped. Markers are never
// passed to fn.
func (t *Table) Walk(head NodeID, fn func(value uint64) bool) Termination {
	steps := 0
	for n := head; n != Nil; {
		if steps++; steps > len(t.nodes)+1 {
			return Inconsistent
		}
		nd := t.nodes[n]
		if nd.next == n {
			resolved := t.Lookup(nd.id)
			if resolved == Nil || resolved == n {
				return Unresolved
			}
			n = resolved
			continue
		}

		switch nd.value {
		case LeafCheckMarker:
			n = nd.next
			continue
		case TruncatedMarker:
			return Truncated
		case FailedUnwindMarker:
			return FailedUnwind
		case AlgorithmicError:
			return Inconsistent
		}
		if !fn(nd.value) {
			return Stopped
		}
		n = nd.next
	}
	return Complete
}

// Seal switches lookups from the build-time map to a sorted array searched
// by binary search. Creating nodes after Seal transparently reverts it.
func (t *Table) Seal() {
	if t.index == nil {
		return
	}
	t.sorted = make([]NodeID, 0, len(t.index))
	for _, n := range t.index {
		t.sorted = append(t.sorted, n)
	}
	sort.Slice(t.sorted, func(i, j int) bool { return t.nodes[t.sorted[i]].id < t.nodes[t.sorted[j]].id })
	t.index = nil
}

func (t *Table) unseal() {
	if t.index != nil {
		return
	}
	t.index = make(map[uint64]NodeID, len(t.sorted))
	for _, n := range t.sorted {
		t.index[t.nodes[n].id] = n
	}
	t.sorted = nil
}
