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
	"fmt"
)

type column struct {
	prop    Property
	ints    []int64
	doubles []float64
	strings []string
	objects []any
}

func (c *column) grow(n int) {
	switch {
	case c.prop.Type.integer():
		c.ints = append(c.ints, make([]int64, n)...)
	case c.prop.Type == TypeDouble:
		c.doubles = append(c.doubles, make([]float64, n)...)
	case c.prop.Type == TypeString:
		c.strings = append(c.strings, make([]string, n)...)
	default:
		c.objects = append(c.objects, make([]any, n)...)
	}
}

// Descriptor is the table of one event kind. Rows are only ever appended and
// columns only ever added. A Descriptor is not safe for concurrent mutation.
type Descriptor struct {
	name  string
	uname string
	reg   *Registry

	cols  map[int]*column
	order []int
	size  int
}

// New returns an empty table whose properties are interned in reg.
func New(name, uname string, reg *Registry) *Descriptor {
	return &Descriptor{
		name:  name,
		uname: uname,
		reg:   reg,
		cols:  map[int]*column{},
	}
}

// Name returns the short name of the table, e.g. CLOCK.
func (d *Descriptor) Name() string { return d.name }

// UName returns the human readable name of the table.
func (d *Descriptor) UName() string { return d.uname }

// Registry returns the registry the table interns its properties in.
func (d *Descriptor) Registry() *Registry { return d.reg }

// Size returns the number of rows.
func (d *Descriptor) Size() int { return d.size }

// AddProperty adds a column, zero filled for existing rows, and returns its
// id. Adding a property twice returns the existing id.
func (d *Descriptor) AddProperty(name, uname string, typ Type, flags Flags) int {
	id := d.reg.Register(name, uname, typ)
	if _, ok := d.cols[id]; ok {
		return id
	}
	p, _ := d.reg.Property(id)
	p.Flags = flags
	if uname != "" {
		p.UName = uname
	}
	if p.Type != typ {
		// The registry keeps the first type seen for a name; a table keeps
		// its own.
		p.Type = typ
	}
	c := &column{prop: p}
	c.grow(d.size)
	d.cols[id] = c
	d.order = append(d.order, id)
	return id
}

// HasProperty reports whether the table has a column for id.
func (d *Descriptor) HasProperty(id int) bool {
	_, ok := d.cols[id]
	return ok
}

// PropertyID returns the id of the named column.
func (d *Descriptor) PropertyID(name string) (int, bool) {
	id, ok := d.reg.ID(name)
	if !ok || !d.HasProperty(id) {
		return 0, false
	}
	return id, true
}

// Property returns the description of a column.
func (d *Descriptor) Property(id int) (Property, bool) {
	c, ok := d.cols[id]
	if !ok {
		return Property{}, false
	}
	return c.prop, true
}

// Properties returns the columns in the order they were added.
func (d *Descriptor) Properties() []Property {
	res := make([]Property, 0, len(d.order))
	for _, id := range d.order {
		res = append(res, d.cols[id].prop)
	}
	return res
}

// AddRecord appends a zero row and returns its index.
func (d *Descriptor) AddRecord() int {
	for _, id := range d.order {
		d.cols[id].grow(1)
	}
	d.size++
	return d.size - 1
}

func (d *Descriptor) col(id int) *column {
	c, ok := d.cols[id]
	if !ok {
		panic(fmt.Sprintf("datadesc: table %s has no property %d", d.name, id))
	}
	return c
}

// SetInt stores an integer value. Unsigned and date columns keep the bit
// pattern.
func (d *Descriptor) SetInt(id, row int, v int64) {
	c := d.col(id)
	switch {
	case c.prop.Type.integer():
		c.ints[row] = v
	case c.prop.Type == TypeDouble:
		c.doubles[row] = float64(v)
	default:
		c.objects[row] = v
	}
}

// SetUint64 stores an unsigned value.
func (d *Descriptor) SetUint64(id, row int, v uint64) {
	d.SetInt(id, row, int64(v))
}

// SetDouble stores a floating point value.
func (d *Descriptor) SetDouble(id, row int, v float64) {
	c := d.col(id)
	switch {
	case c.prop.Type == TypeDouble:
		c.doubles[row] = v
	case c.prop.Type.integer():
		c.ints[row] = int64(v)
	default:
		c.objects[row] = v
	}
}

// SetString stores a string value.
func (d *Descriptor) SetString(id, row int, v string) {
	c := d.col(id)
	if c.prop.Type == TypeString {
		c.strings[row] = v
		return
	}
	if c.prop.Type == TypeObject {
		c.objects[row] = v
		return
	}
	panic(fmt.Sprintf("datadesc: property %s is %s, not STRING", c.prop.Name, c.prop.Type))
}

// SetObject stores an arbitrary value in an OBJECT column.
func (d *Descriptor) SetObject(id, row int, v any) {
	c := d.col(id)
	if c.prop.Type != TypeObject {
		panic(fmt.Sprintf("datadesc: property %s is %s, not OBJECT", c.prop.Name, c.prop.Type))
	}
	c.objects[row] = v
}

// GetInt returns an integer value, sign extended according to the column
// type. Missing columns read as zero.
func (d *Descriptor) GetInt(id, row int) int64 {
	c, ok := d.cols[id]
	if !ok {
		return 0
	}
	switch c.prop.Type {
	case TypeInt32:
		return int64(int32(c.ints[row]))
	case TypeUint32:
		return int64(uint32(c.ints[row]))
	case TypeInt64, TypeUint64, TypeDate:
		return c.ints[row]
	case TypeDouble:
		return int64(c.doubles[row])
	}
	return 0
}

// GetUint64 returns an unsigned value.
func (d *Descriptor) GetUint64(id, row int) uint64 {
	return uint64(d.GetInt(id, row))
}

// GetDouble returns a floating point value.
func (d *Descriptor) GetDouble(id, row int) float64 {
	c, ok := d.cols[id]
	if !ok {
		return 0
	}
	switch {
	case c.prop.Type == TypeDouble:
		return c.doubles[row]
	case c.prop.Type == TypeUint64:
		return float64(uint64(c.ints[row]))
	case c.prop.Type.integer():
		return float64(d.GetInt(id, row))
	}
	return 0
}

// GetString returns a string value.
func (d *Descriptor) GetString(id, row int) string {
	c, ok := d.cols[id]
	if !ok {
		return ""
	}
	switch c.prop.Type {
	case TypeString:
		return c.strings[row]
	case TypeObject:
		if c.objects[row] == nil {
			return ""
		}
		return fmt.Sprint(c.objects[row])
	}
	return fmt.Sprint(d.Value(id, row))
}

// GetObject returns the value of an OBJECT column.
func (d *Descriptor) GetObject(id, row int) any {
	c, ok := d.cols[id]
	if !ok || c.prop.Type != TypeObject {
		return nil
	}
	return c.objects[row]
}

// Value returns a value boxed according to the column type.
func (d *Descriptor) Value(id, row int) any {
	c, ok := d.cols[id]
	if !ok {
		return nil
	}
	switch c.prop.Type {
	case TypeInt32:
		return int32(c.ints[row])
	case TypeUint32:
		return uint32(c.ints[row])
	case TypeInt64, TypeDate:
		return c.ints[row]
	case TypeUint64:
		return uint64(c.ints[row])
	case TypeDouble:
		return c.doubles[row]
	case TypeString:
		return c.strings[row]
	}
	return c.objects[row]
}
