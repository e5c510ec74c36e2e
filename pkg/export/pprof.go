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

package export

import (
	"context"
	"fmt"

	"github.com/google/pprof/profile"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/parca-dev/erprof/pkg/callstack"
	"github.com/parca-dev/erprof/pkg/datadesc"
	"github.com/parca-dev/erprof/pkg/emsg"
	"github.com/parca-dev/erprof/pkg/experiment"
)

// weight describes the second sample value of a data kind: the column it is
// read from, its pprof type and a factor applied to the column value.
type weight struct {
	column string
	typ    profile.ValueType
	scale  func(e *experiment.Experiment) int64
}

func one(*experiment.Experiment) int64 { return 1 }

// clockScale turns ticks into nanoseconds. The profiling interval is
// recorded in microseconds.
func clockScale(e *experiment.Experiment) int64 {
	if k, ok := e.Kind("CLOCK"); ok && k.Interval > 0 {
		return k.Interval * 1000
	}
	return 1
}

var weights = map[string]weight{
	"CLOCK":   {column: "NTICK", typ: profile.ValueType{Type: "cpu", Unit: "nanoseconds"}, scale: clockScale},
	"HWC":     {column: "HWCINT", typ: profile.ValueType{Type: "events", Unit: "count"}, scale: one},
	"SYNCH":   {column: experiment.ColumnSyncDuration, typ: profile.ValueType{Type: "delay", Unit: "nanoseconds"}, scale: one},
	"IOTRACE": {column: "IONBYTE", typ: profile.ValueType{Type: "io", Unit: "bytes"}, scale: one},
	"HEAP":    {column: experiment.ColumnHeapLeaked, typ: profile.ValueType{Type: "leaked_space", Unit: "bytes"}, scale: one},
}

type Options struct {
	// Java uses the Java call stacks instead of the native ones for events
	// that have both.
	Java bool
}

// Pprof converts the events of one data kind into a pprof profile. Events
// with equal stacks and thread are merged into one sample.
func Pprof(ctx context.Context, tracer trace.Tracer, e *experiment.Experiment, kind string, opts Options) (*profile.Profile, error) {
	ctx, span := tracer.Start(ctx, "export/Pprof")
	defer span.End()
	span.SetAttributes(attribute.String("kind", kind))

	d, err := e.DataDescriptor(ctx, kind)
	if err != nil {
		return nil, err
	}
	r, err := e.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	w := NewPprofWriter(e, r, kind)
	if err := w.WriteDescriptor(d, opts); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("samples", len(w.res.Sample)))
	return w.res, nil
}

type sampleKey struct {
	stack  callstack.StackID
	thread int64
}

// PprofWriter accumulates data descriptors of one experiment into a pprof
// profile.
type PprofWriter struct {
	res      *profile.Profile
	resolver *callstack.Resolver
	weight   *weight
	scale    int64

	mappingByObject map[string]*profile.Mapping
	functionByFrame map[functionKey]*profile.Function
	locationByID    map[callstack.LocationID]*profile.Location
	sampleByKey     map[sampleKey]*profile.Sample
}

type functionKey struct {
	name   string
	object string
}

func NewPprofWriter(e *experiment.Experiment, r *callstack.Resolver, kind string) *PprofWriter {
	w := &PprofWriter{
		res: &profile.Profile{
			SampleType:    []*profile.ValueType{{Type: "samples", Unit: "count"}},
			DurationNanos: e.EndTime() - e.StartTime(),
		},
		resolver:        r,
		mappingByObject: map[string]*profile.Mapping{},
		functionByFrame: map[functionKey]*profile.Function{},
		locationByID:    map[callstack.LocationID]*profile.Location{},
		sampleByKey:     map[sampleKey]*profile.Sample{},
	}
	if wt, ok := weights[kind]; ok {
		w.weight = &wt
		w.scale = wt.scale(e)
		typ := wt.typ
		w.res.SampleType = append(w.res.SampleType, &typ)
		w.res.PeriodType = &profile.ValueType{Type: typ.Type, Unit: typ.Unit}
		if kind == "CLOCK" {
			w.res.Period = w.scale
		}
	}
	for _, m := range e.Comments().All() {
		if m.Kind() == emsg.Comment {
			w.res.Comments = append(w.res.Comments, m.Text())
		}
	}
	return w
}

// WriteDescriptor adds one sample per distinct stack and thread of d.
// Events without a stack are dropped.
func (w *PprofWriter) WriteDescriptor(d *datadesc.Descriptor, opts Options) error {
	mstack, ok := d.PropertyID(callstack.ColumnNativeStack)
	if !ok {
		return fmt.Errorf("%s has no call stacks", d.Name())
	}
	jstack, _ := d.PropertyID(callstack.ColumnJavaStack)
	thrid, _ := d.PropertyID("THRID")
	value := -1
	if w.weight != nil {
		var ok bool
		if value, ok = d.PropertyID(w.weight.column); !ok {
			return fmt.Errorf("%s has no %s column", d.Name(), w.weight.column)
		}
	}

	for row := 0; row < d.Size(); row++ {
		stack := callstack.StackID(d.GetInt(mstack, row))
		if opts.Java {
			if js := callstack.StackID(d.GetInt(jstack, row)); js != callstack.EmptyStack {
				stack = js
			}
		}
		if stack == callstack.EmptyStack {
			continue
		}

		key := sampleKey{stack: stack, thread: d.GetInt(thrid, row)}
		s, ok := w.sampleByKey[key]
		if !ok {
			s = w.sample(key)
		}
		s.Value[0]++
		if value >= 0 {
			s.Value[1] += d.GetInt(value, row) * w.scale
		}
	}
	return nil
}

func (w *PprofWriter) sample(key sampleKey) *profile.Sample {
	locs := w.resolver.Stacks.Frames(key.stack)
	s := &profile.Sample{
		Location: make([]*profile.Location, 0, len(locs)),
		Value:    make([]int64, len(w.res.SampleType)),
		NumLabel: map[string][]int64{"thread": {key.thread}},
	}
	for _, id := range locs {
		s.Location = append(s.Location, w.location(id))
	}
	w.sampleByKey[key] = s
	w.res.Sample = append(w.res.Sample, s)
	return s
}

func (w *PprofWriter) location(id callstack.LocationID) *profile.Location {
	if l, ok := w.locationByID[id]; ok {
		return l
	}
	f := w.resolver.Locations.Frame(id)
	l := &profile.Location{
		ID:      uint64(len(w.res.Location) + 1),
		Address: f.Addr,
		Line:    []profile.Line{{Function: w.function(f)}},
	}
	if f.Kind == callstack.KindNative && f.Object != "" {
		l.Mapping = w.mapping(f.Object)
	}
	w.locationByID[id] = l
	w.res.Location = append(w.res.Location, l)
	return l
}

func (w *PprofWriter) function(f callstack.Frame) *profile.Function {
	name := f.Function
	if f.Kind == callstack.KindNative && f.Function == "<static>" {
		// Unsymbolized code keeps its offset so distinct sites stay apart.
		name = fmt.Sprintf("<static>@0x%x", f.Offset)
	}
	key := functionKey{name: name, object: f.Object}
	if fn, ok := w.functionByFrame[key]; ok {
		return fn
	}
	fn := &profile.Function{
		ID:         uint64(len(w.res.Function) + 1),
		Name:       name,
		SystemName: name,
	}
	if f.Kind == callstack.KindJava {
		fn.Filename = f.Object
	}
	w.functionByFrame[key] = fn
	w.res.Function = append(w.res.Function, fn)
	return fn
}

func (w *PprofWriter) mapping(object string) *profile.Mapping {
	if m, ok := w.mappingByObject[object]; ok {
		return m
	}
	m := &profile.Mapping{
		ID:           uint64(len(w.res.Mapping) + 1),
		File:         object,
		HasFunctions: true,
	}
	w.mappingByObject[object] = m
	w.res.Mapping = append(w.res.Mapping, m)
	return m
}
