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

package prbtree

// The functions below operate on the newest version only. Each returns the
// reference that replaces its argument, which differs from it whenever the
// node had to be copied.

func (t *Tree[T]) newNode(key uint64, item T, red bool, l, r ref) ref {
	t.nodes = append(t.nodes, node[T]{
		key:     key,
		item:    item,
		red:     red,
		created: t.now,
		nslots:  1,
		slots:   [slotsPerNode]slot{{time: t.now, left: l, right: r}},
	})
	return ref(len(t.nodes) - 1)
}

func (t *Tree[T]) left(n ref) ref {
	if n == nilRef {
		return nilRef
	}
	nd := &t.nodes[n]
	return nd.slots[nd.nslots-1].left
}

func (t *Tree[T]) right(n ref) ref {
	if n == nilRef {
		return nilRef
	}
	nd := &t.nodes[n]
	return nd.slots[nd.nslots-1].right
}

func (t *Tree[T]) isRed(n ref) bool {
	return n != nilRef && t.nodes[n].red
}

func (t *Tree[T]) setChildren(n, l, r ref) ref {
	nd := &t.nodes[n]
	last := &nd.slots[nd.nslots-1]
	if last.left == l && last.right == r {
		return n
	}
	if last.time == t.now {
		last.left, last.right = l, r
		return n
	}
	if int(nd.nslots) < slotsPerNode {
		nd.slots[nd.nslots] = slot{time: t.now, left: l, right: r}
		nd.nslots++
		return n
	}
	return t.newNode(nd.key, nd.item, nd.red, l, r)
}

func (t *Tree[T]) setEntry(n ref, key uint64, item T) ref {
	nd := &t.nodes[n]
	if nd.created == t.now {
		nd.key, nd.item = key, item
		return n
	}
	last := nd.slots[nd.nslots-1]
	return t.newNode(key, item, nd.red, last.left, last.right)
}

func (t *Tree[T]) rotateLeft(h ref) ref {
	x := t.right(h)
	red := t.nodes[h].red
	h = t.setChildren(h, t.left(h), t.left(x))
	x = t.setChildren(x, h, t.right(x))
	t.nodes[x].red = red
	t.nodes[h].red = true
	return x
}

func (t *Tree[T]) rotateRight(h ref) ref {
	x := t.left(h)
	red := t.nodes[h].red
	h = t.setChildren(h, t.right(x), t.right(h))
	x = t.setChildren(x, t.left(x), h)
	t.nodes[x].red = red
	t.nodes[h].red = true
	return x
}

func (t *Tree[T]) flip(h ref) {
	t.nodes[h].red = !t.nodes[h].red
	if l := t.left(h); l != nilRef {
		t.nodes[l].red = !t.nodes[l].red
	}
	if r := t.right(h); r != nilRef {
		t.nodes[r].red = !t.nodes[r].red
	}
}

func (t *Tree[T]) balance(h ref) ref {
	if t.isRed(t.right(h)) && !t.isRed(t.left(h)) {
		h = t.rotateLeft(h)
	}
	if t.isRed(t.left(h)) && t.isRed(t.left(t.left(h))) {
		h = t.rotateRight(h)
	}
	if t.isRed(t.left(h)) && t.isRed(t.right(h)) {
		t.flip(h)
	}
	return h
}

func (t *Tree[T]) insert(h ref, key uint64, item T) ref {
	if h == nilRef {
		t.size++
		return t.newNode(key, item, true, nilRef, nilRef)
	}

	k := t.nodes[h].key
	switch {
	case key < k:
		l := t.insert(t.left(h), key, item)
		h = t.setChildren(h, l, t.right(h))
	case key > k:
		r := t.insert(t.right(h), key, item)
		h = t.setChildren(h, t.left(h), r)
	default:
		h = t.setEntry(h, key, item)
	}
	return t.balance(h)
}

func (t *Tree[T]) moveRedLeft(h ref) ref {
	t.flip(h)
	if t.isRed(t.left(t.right(h))) {
		r := t.rotateRight(t.right(h))
		h = t.setChildren(h, t.left(h), r)
		h = t.rotateLeft(h)
		t.flip(h)
	}
	return h
}

func (t *Tree[T]) moveRedRight(h ref) ref {
	t.flip(h)
	if t.isRed(t.left(t.left(h))) {
		h = t.rotateRight(h)
		t.flip(h)
	}
	return h
}

func (t *Tree[T]) min(h ref) ref {
	for l := t.left(h); l != nilRef; l = t.left(h) {
		h = l
	}
	return h
}

func (t *Tree[T]) deleteMin(h ref) ref {
	if t.left(h) == nilRef {
		return nilRef
	}
	if !t.isRed(t.left(h)) && !t.isRed(t.left(t.left(h))) {
		h = t.moveRedLeft(h)
	}
	l := t.deleteMin(t.left(h))
	h = t.setChildren(h, l, t.right(h))
	return t.balance(h)
}

// delete requires key to be present below h.
func (t *Tree[T]) delete(h ref, key uint64) ref {
	if key < t.nodes[h].key {
		if !t.isRed(t.left(h)) && !t.isRed(t.left(t.left(h))) {
			h = t.moveRedLeft(h)
		}
		l := t.delete(t.left(h), key)
		h = t.setChildren(h, l, t.right(h))
		return t.balance(h)
	}

	if t.isRed(t.left(h)) {
		h = t.rotateRight(h)
	}
	if key == t.nodes[h].key && t.right(h) == nilRef {
		return nilRef
	}
	if !t.isRed(t.right(h)) && !t.isRed(t.left(t.right(h))) {
		h = t.moveRedRight(h)
	}
	if key == t.nodes[h].key {
		m := t.min(t.right(h))
		succKey, succItem := t.nodes[m].key, t.nodes[m].item
		r := t.deleteMin(t.right(h))
		h = t.setChildren(h, t.left(h), r)
		h = t.setEntry(h, succKey, succItem)
	} else {
		r := t.delete(t.right(h), key)
		h = t.setChildren(h, t.left(h), r)
	}
	return t.balance(h)
}
