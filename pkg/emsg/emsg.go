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

// Package emsg holds the diagnostics accumulated while an experiment is read.
// Messages are immutable and kept in arrival order; presentation is left to
// the caller.
package emsg

import (
	"fmt"
	"sync"
)

// Kind classifies a message.
type Kind int

const (
	Comment Kind = iota
	Warning
	Error
	Fatal
	Notes
)

func (k Kind) String() string {
	switch k {
	case Comment:
		return "comment"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	case Notes:
		return "notes"
	}
	return "unknown"
}

// Message is one diagnostic. Messages form a singly linked list in their
// queue.
type Message struct {
	kind Kind
	text string
	next *Message
}

// New returns a detached message.
func New(kind Kind, text string) *Message {
	return &Message{kind: kind, text: text}
}

func (m *Message) Kind() Kind { return m.kind }

func (m *Message) Text() string { return m.text }

// Next returns the message queued after m, or nil.
func (m *Message) Next() *Message { return m.next }

func (m *Message) String() string { return m.text }

// Queue is an ordered list of messages. It is safe for concurrent use.
type Queue struct {
	name string

	mtx   sync.Mutex
	first *Message
	last  *Message
	count int
}

// NewQueue returns an empty queue.
func NewQueue(name string) *Queue {
	return &Queue{name: name}
}

// Name returns the queue name, e.g. "warnings".
func (q *Queue) Name() string { return q.name }

// Append adds a message at the end of the queue.
func (q *Queue) Append(kind Kind, text string) {
	m := New(kind, text)

	q.mtx.Lock()
	defer q.mtx.Unlock()

	if q.last == nil {
		q.first = m
	} else {
		q.last.next = m
	}
	q.last = m
	q.count++
}

// Appendf formats and appends a message.
func (q *Queue) Appendf(kind Kind, format string, args ...interface{}) {
	q.Append(kind, fmt.Sprintf(format, args...))
}

// Fetch returns the first message; follow Next for the rest.
func (q *Queue) Fetch() *Message {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.first
}

// All returns the queued messages in order.
func (q *Queue) All() []*Message {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	res := make([]*Message, 0, q.count)
	for m := q.first; m != nil; m = m.next {
		res = append(res, m)
	}
	return res
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.count
}

// Clear drops all messages. Messages already fetched stay valid.
func (q *Queue) Clear() {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.first, q.last, q.count = nil, nil, 0
}
