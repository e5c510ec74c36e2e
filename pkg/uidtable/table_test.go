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

package uidtable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func walkAll(tb *Table, head NodeID) ([]uint64, Termination) {
	var frames []uint64
	term := tb.Walk(head, func(v uint64) bool {
		frames = append(frames, v)
		return true
	})
	return frames, term
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	t.Parallel()

	tb := New()
	a := tb.GetOrCreate(0xabc0, 0x400100)
	b := tb.GetOrCreate(0xabc0, 0x400100)
	require.Equal(t, a, b)
	require.Equal(t, 1, tb.Len())
	require.Equal(t, 0, tb.Inconsistent())

	// Two ids landing in the same bucket must not shadow each other.
	c := tb.GetOrCreate(0xabc0+1<<(bucketBits+4), 0x400200)
	require.NotEqual(t, a, c)
	require.Equal(t, a, tb.GetOrCreate(0xabc0, 0x400100))
	require.Equal(t, c, tb.Lookup(0xabc0+1<<(bucketBits+4)))
}

func TestInconsistentRedefinition(t *testing.T) {
	t.Parallel()

	tb := New()
	n := tb.GetOrCreate(77, 0x1000)
	require.Equal(t, n, tb.GetOrCreate(77, 0x2000))
	require.Equal(t, AlgorithmicError, tb.Value(n))
	require.Equal(t, 1, tb.Inconsistent())

	frames, term := walkAll(tb, n)
	require.Empty(t, frames)
	require.Equal(t, Inconsistent, term)
}

func TestChainMarkers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		frames []uint64
		link   uint64
		want   []uint64
		term   Termination
	}{
		{
			name:   "plain",
			frames: []uint64{0x10, 0x20, 0x30},
			want:   []uint64{0x10, 0x20, 0x30},
			term:   Complete,
		},
		{
			name:   "leaf check skipped",
			frames: []uint64{LeafCheckMarker, 0x10, 0x20},
			want:   []uint64{0x10, 0x20},
			term:   Complete,
		},
		{
			name:   "failed unwind last",
			frames: []uint64{0x10, 0x20, FailedUnwindMarker},
			link:   99,
			want:   []uint64{0x10, 0x20},
			term:   FailedUnwind,
		},
		{
			name:   "truncated in the middle",
			frames: []uint64{0x10, TruncatedMarker, 0x30},
			want:   []uint64{0x10},
			term:   Truncated,
		},
		{
			name:   "unresolved link",
			frames: []uint64{0x10},
			link:   12345,
			want:   []uint64{0x10},
			term:   Unresolved,
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			tb := New()
			head := tb.AddChain(0, c.frames, c.link)
			frames, term := walkAll(tb, head)
			require.Equal(t, c.want, frames)
			require.Equal(t, c.term, term)
		})
	}
}

func TestForwardReference(t *testing.T) {
	t.Parallel()

	tb := New()
	// The leaf fragment refers to its callers before they are known.
	head := tb.AddChain(0, []uint64{0x1, 0x2}, 500)
	_, term := walkAll(tb, head)
	require.Equal(t, Unresolved, term)

	tb.AddChain(500, []uint64{0x3}, 600)
	tb.AddChain(600, []uint64{0x4, 0x5}, 0)
	tb.Seal()

	frames, term := walkAll(tb, head)
	require.Equal(t, []uint64{0x1, 0x2, 0x3, 0x4, 0x5}, frames)
	require.Equal(t, Complete, term)

	// Re-adding a known fragment returns the same head.
	require.Equal(t, tb.Lookup(500), tb.AddChain(500, []uint64{0x3}, 600))
	require.Equal(t, 0, tb.Inconsistent())
}

func TestAliasFragment(t *testing.T) {
	t.Parallel()

	tb := New()
	tb.AddChain(10, []uint64{0xa, 0xb}, 0)
	alias := tb.AddChain(20, nil, 10)
	frames, term := walkAll(tb, alias)
	require.Equal(t, []uint64{0xa, 0xb}, frames)
	require.Equal(t, Complete, term)
}

func TestCycleIsInconsistent(t *testing.T) {
	t.Parallel()

	tb := New()
	tb.AddChain(1, []uint64{0x1}, 2)
	tb.AddChain(2, []uint64{0x2}, 1)
	_, term := walkAll(tb, tb.Lookup(1))
	require.Equal(t, Inconsistent, term)
}

func TestSealThenGrow(t *testing.T) {
	t.Parallel()

	tb := New()
	for id := uint64(1); id <= 100; id++ {
		tb.GetOrCreate(id*16, id)
	}
	tb.Seal()
	for id := uint64(1); id <= 100; id++ {
		n := tb.Lookup(id * 16)
		require.NotEqual(t, Nil, n)
		require.Equal(t, id, tb.Value(n))
	}

	n := tb.GetOrCreate(5000, 7)
	require.Equal(t, n, tb.Lookup(5000))
	require.Equal(t, uint64(1), tb.Value(tb.Lookup(16)))
}

func TestWiden(t *testing.T) {
	t.Parallel()

	require.Equal(t, FailedUnwindMarker, Widen(FailedUnwindMarker32))
	require.Equal(t, LeafCheckMarker, Widen(0xfffffffe))
	require.Equal(t, TruncatedMarker, Widen(TruncatedMarker32))
	require.Equal(t, uint32(0xfffffffd), TruncatedMarker32)
	require.Equal(t, uint64(0x8048000), Widen(0x8048000))
}
