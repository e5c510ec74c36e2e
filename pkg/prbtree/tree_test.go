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

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocate(t *testing.T) {
	t.Parallel()

	tr := New[string]()
	require.True(t, tr.Insert(0x1000, 10, "a"))
	require.True(t, tr.Insert(0x3000, 10, "c"))
	require.True(t, tr.Insert(0x2000, 20, "b"))

	cases := []struct {
		name  string
		fn    func(uint64, int64) (string, bool)
		key   uint64
		time  int64
		found bool
		item  string
	}{
		{name: "floor inside", fn: tr.Locate, key: 0x2800, time: 20, found: true, item: "b"},
		{name: "floor before b existed", fn: tr.Locate, key: 0x2800, time: 15, found: true, item: "a"},
		{name: "floor below all", fn: tr.Locate, key: 0x10, time: 20},
		{name: "floor before first insert", fn: tr.Locate, key: 0x2800, time: 5},
		{name: "ceiling", fn: tr.LocateUp, key: 0x1001, time: 20, found: true, item: "b"},
		{name: "ceiling before b existed", fn: tr.LocateUp, key: 0x1001, time: 19, found: true, item: "c"},
		{name: "ceiling above all", fn: tr.LocateUp, key: 0x3001, time: 20},
		{name: "exact", fn: tr.LocateExact, key: 0x3000, time: 30, found: true, item: "c"},
		{name: "exact miss", fn: tr.LocateExact, key: 0x3001, time: 30},
	}
	for _, c := range cases {
		item, ok := c.fn(c.key, c.time)
		require.Equal(t, c.found, ok, c.name)
		require.Equal(t, c.item, item, c.name)
	}
}

func TestInsertRejectsOlderTime(t *testing.T) {
	t.Parallel()

	tr := New[int]()
	require.True(t, tr.Insert(1, 100, 1))
	require.False(t, tr.Insert(2, 99, 2))
	require.False(t, tr.Remove(1, 50))

	_, ok := tr.LocateExact(2, 200)
	require.False(t, ok)
	require.Equal(t, 1, tr.Len())
}

func TestRemoveKeepsHistory(t *testing.T) {
	t.Parallel()

	tr := New[int]()
	for i := uint64(1); i <= 64; i++ {
		require.True(t, tr.Insert(i*16, int64(i), int(i)))
	}
	require.True(t, tr.Remove(32*16, 100))
	require.False(t, tr.Remove(32*16, 101))

	item, ok := tr.LocateExact(32*16, 99)
	require.True(t, ok)
	require.Equal(t, 32, item)

	_, ok = tr.LocateExact(32*16, 100)
	require.False(t, ok)

	// The floor now falls through to the previous key.
	item, ok = tr.Locate(32*16+1, 1000)
	require.True(t, ok)
	require.Equal(t, 31, item)
	require.Equal(t, 63, tr.Len())
}

func TestRebindSameKey(t *testing.T) {
	t.Parallel()

	tr := New[string]()
	require.True(t, tr.Insert(7, 1, "old"))
	require.True(t, tr.Insert(7, 5, "new"))

	item, _ := tr.LocateExact(7, 4)
	require.Equal(t, "old", item)
	item, _ = tr.LocateExact(7, 5)
	require.Equal(t, "new", item)
	require.Equal(t, 1, tr.Len())
}

func TestWalk(t *testing.T) {
	t.Parallel()

	tr := New[uint64]()
	for i, k := range []uint64{50, 10, 40, 20, 30} {
		require.True(t, tr.Insert(k, int64(i+1), k))
	}
	require.True(t, tr.Remove(20, 60))

	var keys []uint64
	tr.Walk(45, func(k uint64, _ uint64) bool {
		keys = append(keys, k)
		return true
	})
	require.Equal(t, []uint64{10, 20, 30, 40, 50}, keys)

	keys = keys[:0]
	tr.Walk(60, func(k uint64, _ uint64) bool {
		keys = append(keys, k)
		return len(keys) < 2
	})
	require.Equal(t, []uint64{10, 30}, keys)
}

func TestVersion(t *testing.T) {
	t.Parallel()

	tr := New[int]()
	require.Equal(t, -1, tr.Version(0))
	tr.Insert(1, 10, 1)
	tr.Insert(2, 10, 2)
	tr.Insert(3, 20, 3)

	require.Equal(t, -1, tr.Version(9))
	require.Equal(t, 0, tr.Version(10))
	require.Equal(t, 0, tr.Version(19))
	require.Equal(t, 1, tr.Version(20))
	require.Equal(t, 1, tr.Version(MaxTime))
}

type snapshot struct {
	time int64
	keys map[uint64]int
}

func (s snapshot) floor(key uint64) (int, bool) {
	best, found := uint64(0), false
	for k := range s.keys {
		if k <= key && (!found || k > best) {
			best, found = k, true
		}
	}
	if !found {
		return 0, false
	}
	return s.keys[best], true
}

func (s snapshot) ceil(key uint64) (int, bool) {
	best, found := uint64(0), false
	for k := range s.keys {
		if k >= key && (!found || k < best) {
			best, found = k, true
		}
	}
	if !found {
		return 0, false
	}
	return s.keys[best], true
}

func TestSnapshotMiss(t *testing.T) {
	s := snapshot{keys: map[uint64]int{0: 256, 10: 7}}
	got, ok := s.ceil(11)
	require.False(t, ok)
	require.Equal(t, 0, got)

	s = snapshot{keys: map[uint64]int{5: 9}}
	got, ok = s.floor(4)
	require.False(t, ok)
	require.Equal(t, 0, got)
}

// TestTimeTravel checks every historical version against a brute force model
// after a long mixed sequence of updates.
func TestTimeTravel(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	tr := New[int]()
	live := map[uint64]int{}
	var snaps []snapshot

	now := int64(0)
	for i := 0; i < 3000; i++ {
		if rng.Intn(3) == 0 {
			now += int64(rng.Intn(3))
		}
		key := uint64(rng.Intn(400))
		if _, ok := live[key]; ok && rng.Intn(3) == 0 {
			require.True(t, tr.Remove(key, now))
			delete(live, key)
		} else {
			require.True(t, tr.Insert(key, now, i))
			live[key] = i
		}

		cp := make(map[uint64]int, len(live))
		for k, v := range live {
			cp[k] = v
		}
		if n := len(snaps); n > 0 && snaps[n-1].time == now {
			snaps[n-1].keys = cp
		} else {
			snaps = append(snaps, snapshot{time: now, keys: cp})
		}
		require.Equal(t, len(live), tr.Len())
	}
	checkInvariants(t, tr)

	for _, s := range snaps {
		for j := 0; j < 20; j++ {
			key := uint64(rng.Intn(420))

			want, wantOK := s.keys[key]
			got, ok := tr.LocateExact(key, s.time)
			require.Equal(t, wantOK, ok, "exact key=%d time=%d", key, s.time)
			require.Equal(t, want, got)

			want, wantOK = s.floor(key)
			got, ok = tr.Locate(key, s.time)
			require.Equal(t, wantOK, ok, "floor key=%d time=%d", key, s.time)
			require.Equal(t, want, got)

			want, wantOK = s.ceil(key)
			got, ok = tr.LocateUp(key, s.time)
			require.Equal(t, wantOK, ok, "ceil key=%d time=%d", key, s.time)
			require.Equal(t, want, got)
		}

		var walked []uint64
		tr.Walk(s.time, func(k uint64, _ int) bool {
			walked = append(walked, k)
			return true
		})
		expected := make([]uint64, 0, len(s.keys))
		for k := range s.keys {
			expected = append(expected, k)
		}
		sort.Slice(expected, func(i, j int) bool { return expected[i] < expected[j] })
		if len(expected) == 0 {
			expected = nil
		}
		require.Equal(t, expected, walked, "walk time=%d", s.time)
	}
}

func checkInvariants(t *testing.T, tr *Tree[int]) {
	t.Helper()

	root := tr.root()
	if root == nilRef {
		return
	}
	require.False(t, tr.isRed(root), "root must be black")

	var blackHeight func(n ref, lo, hi uint64) int
	blackHeight = func(n ref, lo, hi uint64) int {
		if n == nilRef {
			return 1
		}
		k := tr.nodes[n].key
		require.True(t, lo <= k && k <= hi, "key order violated at %d", k)
		l, r := tr.left(n), tr.right(n)
		require.False(t, tr.isRed(r), "right-leaning red link at %d", k)
		if tr.isRed(n) {
			require.False(t, tr.isRed(l), "two consecutive red links at %d", k)
		}
		lh := blackHeight(l, lo, k)
		rh := blackHeight(r, k, hi)
		require.Equal(t, lh, rh, "unbalanced at %d", k)
		if !tr.isRed(n) {
			lh++
		}
		return lh
	}
	blackHeight(root, 0, ^uint64(0))
}
