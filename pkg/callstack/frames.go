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
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/parca-dev/erprof/pkg/uidtable"
)

// Entry is a frame info packet with its stack fragments interned.
type Entry struct {
	UID       uint64
	Native    uidtable.NodeID
	Java      uidtable.NodeID
	HasOMP    bool
	OMPState  uint32
	OMPRegion uint64
}

// FrameIndex finds frame entries by uid. Entries are appended while reading
// and searched by binary search once sealed; a bounded cache of recent
// lookups can be put in front for experiments with many events.
type FrameIndex struct {
	entries []Entry
	sorted  bool
	cache   *lru.Cache
}

// NewFrameIndex returns an index with an LRU cache of cacheSize lookups, or
// no cache if cacheSize is not positive.
func NewFrameIndex(cacheSize int) (*FrameIndex, error) {
	x := &FrameIndex{sorted: true}
	if cacheSize > 0 {
		c, err := lru.New(cacheSize)
		if err != nil {
			return nil, err
		}
		x.cache = c
	}
	return x, nil
}

func (x *FrameIndex) Add(e Entry) {
	if n := len(x.entries); n > 0 && x.entries[n-1].UID > e.UID {
		x.sorted = false
	}
	x.entries = append(x.entries, e)
	if x.cache != nil {
		x.cache.Purge()
	}
}

func (x *FrameIndex) Len() int { return len(x.entries) }

// Seal sorts the entries. The first entry of a duplicated uid wins.
func (x *FrameIndex) Seal() {
	if x.sorted {
		return
	}
	sort.SliceStable(x.entries, func(i, j int) bool { return x.entries[i].UID < x.entries[j].UID })
	x.sorted = true
}

// Find returns the entry for uid. The index must be sealed.
func (x *FrameIndex) Find(uid uint64) (Entry, bool) {
	if x.cache != nil {
		if i, ok := x.cache.Get(uid); ok {
			return x.entries[i.(int)], true
		}
	}
	i := sort.Search(len(x.entries), func(i int) bool { return x.entries[i].UID >= uid })
	if i == len(x.entries) || x.entries[i].UID != uid {
		return Entry{}, false
	}
	if x.cache != nil {
		x.cache.Add(uid, i)
	}
	return x.entries[i], true
}
