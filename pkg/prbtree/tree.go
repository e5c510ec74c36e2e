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

// Package prbtree implements a persistent red-black search tree that answers
// lookups against any past version of its contents.
//
// Updates must arrive in non-decreasing time order. Every node carries a small
// fixed number of time-stamped child slots; an update that finds a node's
// slots exhausted copies the node and propagates the copy towards the root,
// so earlier versions are never rewritten. Nodes are allocated from an arena
// and released together with the tree.
package prbtree

import (
	"math"
	"sort"
)

// MaxTime is the unload time of a binding that is never removed.
const MaxTime = math.MaxInt64

const slotsPerNode = 4

type ref int32

const nilRef ref = -1

type slot struct {
	time        int64
	left, right ref
}

type node[T any] struct {
	key     uint64
	item    T
	red     bool
	created int64
	nslots  uint8
	slots   [slotsPerNode]slot
}

type rootVersion struct {
	time int64
	root ref
}

// Tree maps uint64 keys to items over time.
type Tree[T any] struct {
	nodes   []node[T]
	roots   []rootVersion
	updates []int64
	now     int64
	size    int
}

// New returns an empty tree.
func New[T any]() *Tree[T] {
	return &Tree[T]{now: math.MinInt64}
}

// Len returns the number of keys bound in the newest version.
func (t *Tree[T]) Len() int {
	return t.size
}

// Versions returns the number of root versions recorded so far.
func (t *Tree[T]) Versions() int {
	return len(t.roots)
}

// Nodes returns the number of allocated nodes, copies included.
func (t *Tree[T]) Nodes() int {
	return len(t.nodes)
}

// Version returns an identifier of the tree contents visible at the given
// time. Two times with the same version see identical bindings. It is -1
// before the first update.
func (t *Tree[T]) Version(time int64) int {
	return sort.Search(len(t.updates), func(i int) bool { return t.updates[i] > time }) - 1
}

// Insert binds item to key from time onwards. It returns false, leaving the
// tree untouched, if time is older than the most recent update.
func (t *Tree[T]) Insert(key uint64, time int64, item T) bool {
	if !t.advance(time) {
		return false
	}
	root := t.insert(t.root(), key, item)
	t.nodes[root].red = false
	t.setRoot(root)
	return true
}

// Remove unbinds key from time onwards. Lookups at earlier times still see
// the binding. It returns false if key is not bound or time is older than the
// most recent update.
func (t *Tree[T]) Remove(key uint64, time int64) bool {
	if time < t.now {
		return false
	}
	root := t.root()
	if t.find(root, key) == nilRef {
		return false
	}
	t.advance(time)

	if !t.isRed(t.left(root)) && !t.isRed(t.right(root)) {
		t.nodes[root].red = true
	}
	root = t.delete(root, key)
	if root != nilRef {
		t.nodes[root].red = false
	}
	t.size--
	t.setRoot(root)
	return true
}

// Locate returns the item bound to the greatest key less than or equal to key
// in the version current at time.
func (t *Tree[T]) Locate(key uint64, time int64) (T, bool) {
	var best ref = nilRef
	n := t.rootAt(time)
	for n != nilRef {
		k := t.nodes[n].key
		if k == key {
			return t.nodes[n].item, true
		}
		l, r := t.childrenAt(n, time)
		if key < k {
			n = l
		} else {
			best = n
			n = r
		}
	}
	return t.itemOf(best)
}

// LocateUp returns the item bound to the smallest key greater than or equal
// to key in the version current at time.
func (t *Tree[T]) LocateUp(key uint64, time int64) (T, bool) {
	var best ref = nilRef
	n := t.rootAt(time)
	for n != nilRef {
		k := t.nodes[n].key
		if k == key {
			return t.nodes[n].item, true
		}
		l, r := t.childrenAt(n, time)
		if key < k {
			best = n
			n = l
		} else {
			n = r
		}
	}
	return t.itemOf(best)
}

// LocateExact returns the item bound to key in the version current at time.
func (t *Tree[T]) LocateExact(key uint64, time int64) (T, bool) {
	n := t.rootAt(time)
	for n != nilRef {
		k := t.nodes[n].key
		if k == key {
			return t.nodes[n].item, true
		}
		l, r := t.childrenAt(n, time)
		if key < k {
			n = l
		} else {
			n = r
		}
	}
	var zero T
	return zero, false
}

// Walk calls fn in key order for every binding of the version current at
// time until fn returns false.
func (t *Tree[T]) Walk(time int64, fn func(key uint64, item T) bool) {
	t.walk(t.rootAt(time), time, fn)
}

func (t *Tree[T]) walk(n ref, time int64, fn func(uint64, T) bool) bool {
	if n == nilRef {
		return true
	}
	l, r := t.childrenAt(n, time)
	if !t.walk(l, time, fn) {
		return false
	}
	if !fn(t.nodes[n].key, t.nodes[n].item) {
		return false
	}
	return t.walk(r, time, fn)
}

func (t *Tree[T]) itemOf(n ref) (T, bool) {
	if n == nilRef {
		var zero T
		return zero, false
	}
	return t.nodes[n].item, true
}

func (t *Tree[T]) advance(time int64) bool {
	if time < t.now {
		return false
	}
	if len(t.updates) == 0 || t.updates[len(t.updates)-1] != time {
		t.updates = append(t.updates, time)
	}
	t.now = time
	return true
}

func (t *Tree[T]) root() ref {
	if len(t.roots) == 0 {
		return nilRef
	}
	return t.roots[len(t.roots)-1].root
}

func (t *Tree[T]) setRoot(r ref) {
	n := len(t.roots)
	if n > 0 && t.roots[n-1].root == r {
		return
	}
	if n > 0 && t.roots[n-1].time == t.now {
		t.roots[n-1].root = r
		return
	}
	t.roots = append(t.roots, rootVersion{time: t.now, root: r})
}

// rootAt finds the newest root version not younger than time, galloping
// backwards from the newest version before a binary search.
func (t *Tree[T]) rootAt(time int64) ref {
	n := len(t.roots)
	if n == 0 || t.roots[0].time > time {
		return nilRef
	}
	if t.roots[n-1].time <= time {
		return t.roots[n-1].root
	}

	hi, step := n-1, 1
	lo := hi - step
	for lo > 0 && t.roots[lo].time > time {
		hi = lo
		step <<= 1
		lo = hi - step
	}
	if lo < 0 {
		lo = 0
	}
	i := lo + sort.Search(hi-lo, func(i int) bool { return t.roots[lo+i].time > time }) - 1
	return t.roots[i].root
}

func (t *Tree[T]) childrenAt(n ref, time int64) (ref, ref) {
	nd := &t.nodes[n]
	for i := int(nd.nslots) - 1; i >= 0; i-- {
		if nd.slots[i].time <= time {
			return nd.slots[i].left, nd.slots[i].right
		}
	}
	return nilRef, nilRef
}

func (t *Tree[T]) find(n ref, key uint64) ref {
	for n != nilRef {
		k := t.nodes[n].key
		switch {
		case key == k:
			return n
		case key < k:
			n = t.left(n)
		default:
			n = t.right(n)
		}
	}
	return nilRef
}
