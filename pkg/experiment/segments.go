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

package experiment

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/go-kit/log/level"

	"github.com/parca-dev/erprof/pkg/archive"
	"github.com/parca-dev/erprof/pkg/callstack"
	"github.com/parca-dev/erprof/pkg/emsg"
	"github.com/parca-dev/erprof/pkg/prbtree"
)

// Pseudo load objects for code that has no file of its own.
const (
	DynamicObject        = "<dynamic>"
	CompiledMethodObject = "JAVA_COMPILED_METHODS"
	UnknownObject        = "<Unknown>"
)

// LoadObject is a file mapped into the target's address space.
type LoadObject struct {
	Name string
	Path string
	// Archive is the archived copy of the object, if the collector saved one.
	Archive string
	// Checksum is the xxhash of the archived copy.
	Checksum uint64
}

// Function is code generated at run time, known only from the experiment.
type Function struct {
	Name     string
	Vaddr    uint64
	Size     uint64
	MethodID uint64
	Source   string
	Lines    []LineEntry
}

// LineEntry maps a code offset within a function to a source line.
type LineEntry struct {
	Offset uint32
	Line   uint32
}

// Line returns the source line of the code at off.
func (f *Function) Line(off uint64) (uint32, bool) {
	i := sort.Search(len(f.Lines), func(i int) bool { return uint64(f.Lines[i].Offset) > off })
	if i == 0 {
		return 0, false
	}
	return f.Lines[i-1].Line, true
}

// SegMem is an address range owned by a load object or a function from Load
// until Unload.
type SegMem struct {
	Base       uint64
	Size       uint64
	FileOffset uint64
	Modes      uint32
	Load       int64
	Unload     int64
	Object     *LoadObject
	Function   *Function
}

// Contains reports whether addr falls inside the segment.
func (s *SegMem) Contains(addr uint64) bool {
	return addr >= s.Base && addr-s.Base < s.Size
}

func (s *SegMem) Name() string {
	if s.Function != nil {
		return s.Function.Name
	}
	if s.Object != nil {
		return s.Object.Name
	}
	return UnknownObject
}

func (s *SegMem) String() string {
	return fmt.Sprintf("%s [0x%x-0x%x]", s.Name(), s.Base, s.Base+s.Size)
}

const (
	segCacheBits = 10
	segCacheSize = 1 << segCacheBits
)

type segCacheEntry struct {
	addr    uint64
	version int
	seg     *SegMem
}

// similarNames reports whether two mappings name the same object, possibly
// through different paths.
func similarNames(a, b string) bool {
	return a == b || filepath.Base(a) == filepath.Base(b)
}

func (e *Experiment) object(path string) *LoadObject {
	if lo, ok := e.objects[path]; ok {
		return lo
	}
	lo := &LoadObject{Name: filepath.Base(path), Path: path}
	if e.archives != nil {
		if f, ok := e.archives.Lookup(path); ok {
			sum, err := archive.Checksum(f)
			if err != nil {
				e.warnings.Appendf(emsg.Warning, "Archived copy of %s is unreadable: %v", path, err)
			} else {
				lo.Archive, lo.Checksum = f, sum
			}
		}
	}
	e.objects[path] = lo
	e.objectOrder = append(e.objectOrder, lo)
	return lo
}

// mapTimeAt keeps updates of the segment tree in time order. Records that
// arrive out of order are applied at the latest time seen.
func (e *Experiment) mapTimeAt(ts int64) int64 {
	if ts < e.mapTime {
		return e.mapTime
	}
	e.mapTime = ts
	return ts
}

// mapSegment inserts a new mapping. An identical mapping of a similarly
// named object is a duplicate record and is dropped. Any other overlap
// implicitly unloads the older mapping.
func (e *Experiment) mapSegment(seg SegMem, name string) {
	if seg.Size == 0 {
		return
	}
	if seg.Object == nil && seg.Function == nil {
		seg.Object = e.object(name)
	}
	name = seg.Name()
	ts := e.mapTimeAt(seg.Load)
	seg.Load = ts
	seg.Unload = prbtree.MaxTime

	for _, old := range e.overlapping(seg.Base, seg.Size, ts) {
		if old.Base == seg.Base && old.Size == seg.Size && similarNames(old.Name(), name) {
			level.Debug(e.logger).Log("msg", "dropping duplicate map record", "segment", old)
			return
		}
	}
	for _, old := range e.overlapping(seg.Base, seg.Size, ts) {
		e.warnings.Appendf(emsg.Warning,
			"Segment %s overlaps %s mapped at %d; treating %s as unloaded",
			&seg, old, old.Load, old.Name())
		old.Unload = ts
		e.maps.Remove(old.Base, ts)
	}

	s := &seg
	e.maps.Insert(s.Base, ts, s)
	e.segments = append(e.segments, s)
}

// overlapping returns the active segments intersecting [base, base+size).
func (e *Experiment) overlapping(base, size uint64, ts int64) []*SegMem {
	var out []*SegMem
	if prev, ok := e.maps.Locate(base, ts); ok && prev.Contains(base) {
		out = append(out, prev)
	}
	// Clamped at the top of the address space.
	last := ^uint64(0)
	if end := base + size; end > base {
		last = end - 1
	}
	for next := base; ; {
		s, ok := e.maps.LocateUp(next, ts)
		if !ok || s.Base > last {
			break
		}
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
		if s.Base == ^uint64(0) {
			break
		}
		next = s.Base + 1
	}
	return out
}

func (e *Experiment) unmapSegment(base uint64, ts int64) {
	ts = e.mapTimeAt(ts)
	s, ok := e.maps.LocateExact(base, ts)
	if !ok {
		level.Debug(e.logger).Log("msg", "unmap of unknown segment", "vaddr", fmt.Sprintf("0x%x", base))
		return
	}
	s.Unload = ts
	e.maps.Remove(base, ts)
}

// loadCompiledMethod maps code a JVM compiled for a method.
func (e *Experiment) loadCompiledMethod(methodID, vaddr, size uint64, name string, ts int64) {
	if name == "" {
		name = fmt.Sprintf("<compiled method 0x%x>", methodID)
	}
	fn := &Function{Name: name, Vaddr: vaddr, Size: size, MethodID: methodID}
	e.dynfuncs[vaddr] = fn
	e.mapSegment(SegMem{
		Base:     vaddr,
		Size:     size,
		Load:     ts,
		Object:   e.object(CompiledMethodObject),
		Function: fn,
	}, "")
}

// loadDynamicFunction maps code described by a legacy dynamic function
// record.
func (e *Experiment) loadDynamicFunction(name string, vaddr, size uint64, ts int64) {
	fn := &Function{Name: name, Vaddr: vaddr, Size: size}
	e.dynfuncs[vaddr] = fn
	e.mapSegment(SegMem{
		Base:     vaddr,
		Size:     size,
		Load:     ts,
		Object:   e.object(DynamicObject),
		Function: fn,
	}, "")
}

// Segment returns the segment containing addr at time ts.
func (e *Experiment) Segment(addr uint64, ts int64) (*SegMem, bool) {
	version := e.maps.Version(ts)
	c := &e.segCache[(addr>>4)&(segCacheSize-1)]
	if c.seg != nil && c.addr == addr && c.version == version {
		return c.seg, true
	}
	s, ok := e.maps.Locate(addr, ts)
	if !ok || !s.Contains(addr) {
		return nil, false
	}
	*c = segCacheEntry{addr: addr, version: version, seg: s}
	return s, true
}

// Segments returns every mapping ever made, in the order they were made.
func (e *Experiment) Segments() []*SegMem { return e.segments }

// Objects returns the load objects in the order they were first mapped.
func (e *Experiment) Objects() []*LoadObject { return e.objectOrder }

// Function returns the dynamic function starting at vaddr.
func (e *Experiment) Function(vaddr uint64) (*Function, bool) {
	f, ok := e.dynfuncs[vaddr]
	return f, ok
}

func (e *Experiment) nativeFrame(addr uint64, ts int64) callstack.Frame {
	s, ok := e.Segment(addr, ts)
	if !ok {
		return callstack.Frame{Kind: callstack.KindNative, Object: UnknownObject, Function: UnknownObject}
	}
	if s.Function != nil {
		return callstack.Frame{
			Kind:     callstack.KindNative,
			Object:   s.Object.Name,
			Function: e.opts.demangler.Name(s.Function.Name),
			Offset:   addr - s.Function.Vaddr,
			Addr:     addr,
		}
	}
	return callstack.Frame{
		Kind:     callstack.KindNative,
		Object:   s.Object.Name,
		Function: "<static>",
		Offset:   addr - s.Base + s.FileOffset,
		Addr:     addr,
	}
}

// locator resolves stack values against the experiment's address space and
// Java methods.
type locator struct{ e *Experiment }

func (l locator) NativeFrame(addr uint64, ts int64) callstack.Frame {
	return l.e.nativeFrame(addr, ts)
}

func (l locator) JavaFrame(methodID, bci uint64, ts int64) callstack.Frame {
	return l.e.javaFrame(methodID, bci, ts)
}

func (l locator) Version(ts int64) int64 {
	return int64(l.e.maps.Version(ts))<<32 | int64(uint32(l.e.methods.Version(ts)))
}
