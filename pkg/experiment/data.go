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
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel/attribute"

	"github.com/parca-dev/erprof/pkg/callstack"
	"github.com/parca-dev/erprof/pkg/datadesc"
	"github.com/parca-dev/erprof/pkg/emsg"
	"github.com/parca-dev/erprof/pkg/packet"
)

// ErrUnknownKind is returned for data kinds the experiment did not record.
var ErrUnknownKind = errors.New("unknown data kind")

// Heap trace function types of the HTYPE property.
const (
	HeapMalloc  = 0
	HeapFree    = 1
	HeapRealloc = 2
	HeapMmap    = 3
	HeapMunmap  = 4
)

// Derived columns.
const (
	ColumnSyncDuration = "SYNCDUR"
	ColumnIODuration   = "IODUR"
	ColumnHeapLeaked   = "HLEAKED"
	ColumnHeapFreed    = "HFREED"
)

// Resolver returns the call stack resolver, reading the frame info of the
// experiment on first use.
func (e *Experiment) Resolver(ctx context.Context) (*callstack.Resolver, error) {
	if e.framesLoaded {
		return e.resolver, nil
	}
	r, err := callstack.NewResolver(e.ictx, locator{e: e}, callstack.WithFrameCache(e.opts.frameCache))
	if err != nil {
		return nil, err
	}

	ctx, span := e.ictx.Tracer.Start(ctx, "experiment/"+FrameFile)
	defer span.End()
	if _, err := e.readPackets(ctx, FrameFile, r); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read frame info: %w", err)
	}
	e.resolver = r
	e.framesLoaded = true
	return r, nil
}

// DataDescriptor returns the events of a data kind with call stacks and
// derived columns added. The data file is read on first use.
func (e *Experiment) DataDescriptor(ctx context.Context, kind string) (*datadesc.Descriptor, error) {
	if d, ok := e.data[kind]; ok {
		return d, nil
	}
	if e.status == Failure || e.status == NotOpened {
		return nil, fmt.Errorf("experiment %s is not usable: %s", e.path, e.status)
	}
	k, ok := e.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%s: %w", kind, ErrUnknownKind)
	}

	ctx, span := e.ictx.Tracer.Start(ctx, "experiment/DataDescriptor")
	defer span.End()
	span.SetAttributes(attribute.String("kind", kind))

	r, err := e.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	d := datadesc.New(k.Name, k.UName, e.ictx.Props)
	mux := packet.NewMux()
	for _, l := range k.Layouts {
		mux.Handle(l.Type, packet.NewTableHandler(l, d))
	}
	mux.Handle(packet.TypeFrame, r)
	mux.Handle(packet.TypeUID, r)
	mux.HandleFunc(packet.TypeLegacyModule, e.legacyModule)
	mux.HandleFunc(packet.TypeLegacyDynFunc, e.legacyDynFunc)

	st, err := e.readPackets(ctx, k.File, mux)
	switch {
	case errors.Is(err, os.ErrNotExist):
		level.Debug(e.logger).Log("msg", "no data file", "kind", kind, "file", k.File)
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", k.File, err)
	}
	span.SetAttributes(attribute.Int("packets", st.Packets))

	if d.Size() > 0 {
		rst, err := r.Resolve(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("resolve call stacks of %s: %w", kind, err)
		}
		for _, w := range rst.Warnings() {
			e.warnings.Append(emsg.Warning, w)
		}
		e.reportInconsistent(r)
	}

	switch k.Name {
	case "SYNCH":
		addDuration(d, ColumnSyncDuration, "Synchronization wait time", "SRQST")
	case "IOTRACE":
		addDuration(d, ColumnIODuration, "I/O time", "IORQST")
	case "HEAP":
		heapMap(d)
	}

	e.data[kind] = d
	return d, nil
}

// reportInconsistent warns once about stack ids that were recorded with
// different frames, whether or not an event referenced them.
func (e *Experiment) reportInconsistent(r *callstack.Resolver) {
	n := r.Native.Inconsistent() + r.Java.Inconsistent()
	if n > e.inconsistent {
		e.warnings.Appendf(emsg.Warning, "%d stack ids were recorded with conflicting frames; stacks through them end in <Inconsistent-stack-id>", n-e.inconsistent)
		e.inconsistent = n
	}
}

func (e *Experiment) legacyModule(_ packet.Header, rec packet.Record) error {
	m, err := packet.DecodeLegacyModule(rec)
	if err != nil {
		return err
	}
	e.object(m.Name)
	return nil
}

func (e *Experiment) legacyDynFunc(_ packet.Header, rec packet.Record) error {
	f, err := packet.DecodeLegacyDynFunc(rec)
	if err != nil {
		return err
	}
	e.loadDynamicFunction(f.Name, f.Vaddr, f.Size, f.Timestamp)
	return nil
}

// addDuration adds the time from the start property to TSTAMP.
func addDuration(d *datadesc.Descriptor, name, uname, start string) {
	tstamp, ok := d.PropertyID("TSTAMP")
	if !ok {
		return
	}
	from, ok := d.PropertyID(start)
	if !ok {
		return
	}
	id := d.AddProperty(name, uname, datadesc.TypeInt64, datadesc.Derived)
	for row := 0; row < d.Size(); row++ {
		dur := d.GetInt(tstamp, row) - d.GetInt(from, row)
		if dur < 0 {
			dur = 0
		}
		d.SetInt(id, row, dur)
	}
}

// heapMap pairs allocations with the frees that release them. Allocation
// rows never freed get their size in HLEAKED; free rows get the size of the
// block they released in HFREED.
func heapMap(d *datadesc.Descriptor) {
	htype, ok1 := d.PropertyID("HTYPE")
	hsize, ok2 := d.PropertyID("HSIZE")
	hvaddr, ok3 := d.PropertyID("HVADDR")
	hovaddr, ok4 := d.PropertyID("HOVADDR")
	tstamp, ok5 := d.PropertyID("TSTAMP")
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return
	}
	leaked := d.AddProperty(ColumnHeapLeaked, "Bytes leaked", datadesc.TypeUint64, datadesc.Derived)
	freed := d.AddProperty(ColumnHeapFreed, "Bytes freed", datadesc.TypeUint64, datadesc.Derived)

	v := d.NewView()
	v.Sort(tstamp)

	live := map[uint64]int{}
	release := func(row int, addr uint64) {
		if alloc, ok := live[addr]; ok {
			d.SetUint64(freed, row, d.GetUint64(freed, row)+d.GetUint64(hsize, alloc))
			delete(live, addr)
		}
	}
	for i := 0; i < v.Size(); i++ {
		row := v.Row(i)
		addr := d.GetUint64(hvaddr, row)
		switch d.GetInt(htype, row) {
		case HeapMalloc, HeapMmap:
			if addr != 0 {
				live[addr] = row
			}
		case HeapFree, HeapMunmap:
			release(row, addr)
		case HeapRealloc:
			release(row, d.GetUint64(hovaddr, row))
			if addr != 0 {
				live[addr] = row
			}
		}
	}

	for _, row := range live {
		d.SetUint64(leaked, row, d.GetUint64(hsize, row))
	}
}

// TagValues returns the distinct values of a tag property, such as THRID or
// CPUID, over every data kind read so far.
func (e *Experiment) TagValues(prop string) []int64 {
	seen := map[int64]struct{}{}
	for _, d := range e.data {
		id, ok := d.PropertyID(prop)
		if !ok {
			continue
		}
		for row := 0; row < d.Size(); row++ {
			seen[d.GetInt(id, row)] = struct{}{}
		}
	}
	out := make([]int64, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Threads returns the thread lifetimes recorded in the log, ordered by id.
func (e *Experiment) Threads() []Lifetime { return lifetimes(e.threads) }

func (e *Experiment) LWPs() []Lifetime { return lifetimes(e.lwps) }

func (e *Experiment) JavaThreads() []Lifetime { return lifetimes(e.jthreads) }

func lifetimes(m map[uint64]*Lifetime) []Lifetime {
	out := make([]Lifetime, 0, len(m))
	for _, l := range m {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
