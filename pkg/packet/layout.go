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

package packet

import (
	"fmt"
	"sort"

	"github.com/parca-dev/erprof/pkg/datadesc"
)

// Field is one fixed-offset value of an event record.
type Field struct {
	Name   string
	UName  string
	Offset int
	Type   datadesc.Type
}

// width is the number of bytes a field occupies at its offset. Strings only
// need their first byte.
func (f Field) width() int {
	switch f.Type {
	case datadesc.TypeInt32, datadesc.TypeUint32:
		return 4
	case datadesc.TypeString:
		return 1
	}
	return 8
}

// Layout describes the fields of one event kind.
type Layout struct {
	Type   Type
	Kind   string
	UName  string
	File   string
	Fields []Field
}

// MinSize is the smallest record the layout can be decoded from.
func (l Layout) MinSize() int {
	n := HeaderSize
	for _, f := range l.Fields {
		if end := f.Offset + f.width(); end > n {
			n = end
		}
	}
	return n
}

// CommonFields are present at the start of every event record.
var CommonFields = []Field{
	{Name: "THRID", UName: "Thread number", Offset: 4, Type: datadesc.TypeUint32},
	{Name: "LWPID", UName: "LWP ID", Offset: 8, Type: datadesc.TypeUint32},
	{Name: "CPUID", UName: "CPU ID", Offset: 12, Type: datadesc.TypeUint32},
	{Name: "TSTAMP", UName: "High resolution timestamp", Offset: 16, Type: datadesc.TypeDate},
	{Name: "FRINFO", UName: "Frame information", Offset: 24, Type: datadesc.TypeUint64},
}

// CommonSize is the size of the prefix described by CommonFields.
const CommonSize = 32

// NewLayout returns a layout of the common prefix followed by fields.
func NewLayout(t Type, kind, uname, file string, fields ...Field) Layout {
	all := make([]Field, 0, len(CommonFields)+len(fields))
	all = append(all, CommonFields...)
	all = append(all, fields...)
	return Layout{Type: t, Kind: kind, UName: uname, File: file, Fields: all}
}

var builtins = []Layout{
	NewLayout(TypeProf, "CLOCK", "Clock profiling", "profile",
		Field{Name: "MSTATE", UName: "Thread state", Offset: 32, Type: datadesc.TypeUint32},
		Field{Name: "NTICK", UName: "Duration (ticks) in this state", Offset: 36, Type: datadesc.TypeUint32},
	),
	NewLayout(TypeSync, "SYNCH", "Synchronization tracing", "synctrace",
		Field{Name: "SRQST", UName: "Synchronization start time", Offset: 32, Type: datadesc.TypeDate},
		Field{Name: "SOBJ", UName: "Synchronization object address", Offset: 40, Type: datadesc.TypeUint64},
	),
	NewLayout(TypeHWC, "HWC", "Hardware counter profiling", "hwcounters",
		Field{Name: "HWCTAG", UName: "HW counter number", Offset: 32, Type: datadesc.TypeUint32},
		Field{Name: "HWCINT", UName: "HW counter interval", Offset: 40, Type: datadesc.TypeUint64},
	),
	NewLayout(TypeHeap, "HEAP", "Heap tracing", "heaptrace",
		Field{Name: "HTYPE", UName: "Heap trace function type", Offset: 32, Type: datadesc.TypeUint32},
		Field{Name: "HSIZE", UName: "Memory size", Offset: 40, Type: datadesc.TypeUint64},
		Field{Name: "HVADDR", UName: "Memory address", Offset: 48, Type: datadesc.TypeUint64},
		Field{Name: "HOVADDR", UName: "Previous memory address", Offset: 56, Type: datadesc.TypeUint64},
	),
	NewLayout(TypeIO, "IOTRACE", "I/O tracing", "iotrace",
		Field{Name: "IOTYPE", UName: "IO trace function type", Offset: 32, Type: datadesc.TypeUint32},
		Field{Name: "IOFD", UName: "File descriptor", Offset: 36, Type: datadesc.TypeInt32},
		Field{Name: "IONBYTE", UName: "Number of bytes", Offset: 40, Type: datadesc.TypeUint64},
		Field{Name: "IORQST", UName: "IO start time", Offset: 48, Type: datadesc.TypeDate},
		Field{Name: "IOOFD", UName: "Original file descriptor", Offset: 56, Type: datadesc.TypeInt32},
		Field{Name: "IOFSTYPE", UName: "File system type", Offset: 60, Type: datadesc.TypeUint32},
		Field{Name: "IOFNAME", UName: "File name", Offset: 64, Type: datadesc.TypeString},
	),
	NewLayout(TypeRace, "RACE", "Data race detection", "racetrace",
		Field{Name: "RTYPE", UName: "Race access type", Offset: 32, Type: datadesc.TypeUint32},
		Field{Name: "RID", UName: "Race ID", Offset: 36, Type: datadesc.TypeUint32},
		Field{Name: "RVADDR", UName: "Race address", Offset: 40, Type: datadesc.TypeUint64},
	),
	NewLayout(TypeDeadlock, "DEADLOCK", "Deadlock detection", "deadlock",
		Field{Name: "DTYPE", UName: "Deadlock access type", Offset: 32, Type: datadesc.TypeUint32},
		Field{Name: "DLTYPE", UName: "Deadlock type", Offset: 36, Type: datadesc.TypeUint32},
		Field{Name: "DVADDR", UName: "Deadlock lock address", Offset: 40, Type: datadesc.TypeUint64},
	),
	NewLayout(TypeOMP, "OMP", "OpenMP tracing", "omptrace",
		Field{Name: "OMPTYPE", UName: "OpenMP event type", Offset: 32, Type: datadesc.TypeUint32},
		Field{Name: "OMPREGION", UName: "OpenMP parallel region", Offset: 40, Type: datadesc.TypeUint64},
	),
}

// Builtin returns the layout of a built-in event type.
func Builtin(t Type) (Layout, bool) {
	for _, l := range builtins {
		if l.Type == t {
			return l, true
		}
	}
	return Layout{}, false
}

// Builtins returns every built-in layout ordered by type.
func Builtins() []Layout {
	out := make([]Layout, len(builtins))
	copy(out, builtins)
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// TableHandler appends one row per record to a data descriptor.
type TableHandler struct {
	layout  Layout
	desc    *datadesc.Descriptor
	props   []int
	minSize int
}

// NewTableHandler adds the layout's fields as properties of desc.
func NewTableHandler(l Layout, desc *datadesc.Descriptor) *TableHandler {
	h := &TableHandler{
		layout:  l,
		desc:    desc,
		props:   make([]int, len(l.Fields)),
		minSize: l.MinSize(),
	}
	for i, f := range l.Fields {
		h.props[i] = desc.AddProperty(f.Name, f.UName, f.Type, 0)
	}
	return h
}

func (h *TableHandler) Layout() Layout { return h.layout }

func (h *TableHandler) Descriptor() *datadesc.Descriptor { return h.desc }

func (h *TableHandler) Packet(hdr Header, rec Record) error {
	if rec.Len() < h.minSize {
		return fmt.Errorf("%s record of %d bytes, need %d: %w", h.layout.Kind, rec.Len(), h.minSize, ErrInvalidPacket)
	}
	row := h.desc.AddRecord()
	for i, f := range h.layout.Fields {
		id := h.props[i]
		switch f.Type {
		case datadesc.TypeInt32:
			h.desc.SetInt(id, row, int64(rec.I32(f.Offset)))
		case datadesc.TypeUint32:
			h.desc.SetInt(id, row, int64(rec.U32(f.Offset)))
		case datadesc.TypeInt64, datadesc.TypeDate:
			h.desc.SetInt(id, row, rec.I64(f.Offset))
		case datadesc.TypeUint64:
			h.desc.SetUint64(id, row, rec.U64(f.Offset))
		case datadesc.TypeDouble:
			h.desc.SetDouble(id, row, rec.F64(f.Offset))
		case datadesc.TypeString:
			s, _ := rec.CString(f.Offset)
			h.desc.SetString(id, row, s)
		}
	}
	return nil
}
