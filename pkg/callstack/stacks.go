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

package callstack

import (
	"fmt"
)

// Kind tells what a Frame refers to.
type Kind uint8

const (
	KindNative Kind = iota
	KindJava
	KindPseudo
)

func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindJava:
		return "java"
	case KindPseudo:
		return "pseudo"
	}
	return fmt.Sprintf("kind%d", uint8(k))
}

// Frame is a resolved code location. Frames are compared by value, so two
// events sampling the same pc share a location.
type Frame struct {
	Kind     Kind
	Object   string
	Function string

	// Offset is the pc offset into the function, or the bytecode index of a
	// Java frame.
	Offset uint64
	Addr   uint64
}

func (f Frame) String() string {
	switch {
	case f.Kind == KindPseudo:
		return f.Function
	case f.Kind == KindJava:
		return fmt.Sprintf("%s (bci %d)", f.Function, f.Offset)
	case f.Object == "":
		return fmt.Sprintf("%s+0x%x", f.Function, f.Offset)
	}
	return fmt.Sprintf("%s+0x%x [%s]", f.Function, f.Offset, f.Object)
}

var (
	TruncatedFrame    = Frame{Kind: KindPseudo, Function: "<Truncated-stack>"}
	InconsistentFrame = Frame{Kind: KindPseudo, Function: "<Inconsistent-stack-id>"}
)

// LocationID is a dense index into Locations.
type LocationID uint32

// Locations interns frames.
type Locations struct {
	frames []Frame
	index  map[Frame]LocationID
}

func NewLocations() *Locations {
	return &Locations{index: map[Frame]LocationID{}}
}

func (l *Locations) Intern(f Frame) LocationID {
	if id, ok := l.index[f]; ok {
		return id
	}
	id := LocationID(len(l.frames))
	l.frames = append(l.frames, f)
	l.index[f] = id
	return id
}

func (l *Locations) Frame(id LocationID) Frame { return l.frames[id] }

func (l *Locations) Len() int { return len(l.frames) }

// StackID references a node of Stacks. EmptyStack is the root.
type StackID uint32

const EmptyStack StackID = 0

type stackNode struct {
	parent StackID
	loc    LocationID
}

// Stacks interns call stacks as a trie rooted at the outermost frame, so
// stacks sharing callers share nodes.
type Stacks struct {
	nodes    []stackNode
	children map[stackNode]StackID
}

func NewStacks() *Stacks {
	return &Stacks{
		nodes:    []stackNode{{}},
		children: map[stackNode]StackID{},
	}
}

// Intern returns the id of the stack with the given locations, leaf first.
func (s *Stacks) Intern(leafFirst []LocationID) StackID {
	id := EmptyStack
	for i := len(leafFirst) - 1; i >= 0; i-- {
		e := stackNode{parent: id, loc: leafFirst[i]}
		child, ok := s.children[e]
		if !ok {
			child = StackID(len(s.nodes))
			s.nodes = append(s.nodes, e)
			s.children[e] = child
		}
		id = child
	}
	return id
}

// Frames returns the locations of a stack, leaf first.
func (s *Stacks) Frames(id StackID) []LocationID {
	var out []LocationID
	for id != EmptyStack {
		n := s.nodes[id]
		out = append(out, n.loc)
		id = n.parent
	}
	return out
}

// Leaf returns the innermost location of a non-empty stack.
func (s *Stacks) Leaf(id StackID) (LocationID, bool) {
	if id == EmptyStack {
		return 0, false
	}
	return s.nodes[id].loc, true
}

// Parent returns the stack without its innermost frame.
func (s *Stacks) Parent(id StackID) StackID { return s.nodes[id].parent }

// Len returns the number of nodes including the root.
func (s *Stacks) Len() int { return len(s.nodes) }
