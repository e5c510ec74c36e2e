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

package datadesc

import (
	"sort"
)

// View is an ordered selection of the rows of a Descriptor. Views made before
// rows were appended do not see the new rows.
type View struct {
	d   *Descriptor
	idx []int
}

// NewView returns a view over all current rows in recording order.
func (d *Descriptor) NewView() *View {
	idx := make([]int, d.size)
	for i := range idx {
		idx[i] = i
	}
	return &View{d: d, idx: idx}
}

// Descriptor returns the underlying table.
func (v *View) Descriptor() *Descriptor { return v.d }

// Size returns the number of rows in the view.
func (v *View) Size() int { return len(v.idx) }

// Row returns the table row behind position i.
func (v *View) Row(i int) int { return v.idx[i] }

func (v *View) GetInt(id, i int) int64 { return v.d.GetInt(id, v.idx[i]) }

func (v *View) GetUint64(id, i int) uint64 { return v.d.GetUint64(id, v.idx[i]) }

func (v *View) GetDouble(id, i int) float64 { return v.d.GetDouble(id, v.idx[i]) }

func (v *View) GetString(id, i int) string { return v.d.GetString(id, v.idx[i]) }

func (v *View) GetObject(id, i int) any { return v.d.GetObject(id, v.idx[i]) }

// Sort orders the view by the given properties, most significant first.
// Rows that compare equal keep their relative order.
func (v *View) Sort(props ...int) {
	sort.SliceStable(v.idx, func(a, b int) bool {
		ra, rb := v.idx[a], v.idx[b]
		for _, p := range props {
			if c := v.d.compare(p, ra, rb); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

// Filter keeps the rows for which keep returns true.
func (v *View) Filter(keep func(row int) bool) {
	out := v.idx[:0]
	for _, r := range v.idx {
		if keep(r) {
			out = append(out, r)
		}
	}
	v.idx = out
}

func (d *Descriptor) compare(id, a, b int) int {
	c, ok := d.cols[id]
	if !ok {
		return 0
	}
	switch {
	case c.prop.Type == TypeUint64:
		return cmp(uint64(c.ints[a]), uint64(c.ints[b]))
	case c.prop.Type.integer():
		return cmp(d.GetInt(id, a), d.GetInt(id, b))
	case c.prop.Type == TypeDouble:
		return cmp(c.doubles[a], c.doubles[b])
	case c.prop.Type == TypeString:
		return cmp(c.strings[a], c.strings[b])
	}
	return 0
}

func cmp[T int64 | uint64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
