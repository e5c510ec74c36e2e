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

// Package callstack reconstructs the call stack of every sampled event from
// the stack fragments a collector recorded, and interns the results.
package callstack

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel/attribute"

	"github.com/parca-dev/erprof/pkg/datadesc"
	"github.com/parca-dev/erprof/pkg/ingest"
	"github.com/parca-dev/erprof/pkg/packet"
	"github.com/parca-dev/erprof/pkg/uidtable"
)

// Locator maps raw stack values to frames as of a point in time.
type Locator interface {
	NativeFrame(addr uint64, ts int64) Frame
	JavaFrame(methodID uint64, bci uint64, ts int64) Frame
	// Version identifies the address space at ts. Stacks resolved at equal
	// versions resolve to the same frames.
	Version(ts int64) int64
}

// Column names added by Resolve.
const (
	ColumnNativeStack = "MSTACK"
	ColumnJavaStack   = "JSTACK"
	ColumnOMPState    = "OMPSTATE"
	ColumnOMPRegion   = "OMPREGION"
)

// Stats counts how the stacks of one data descriptor were resolved.
type Stats struct {
	Events       int
	Missing      int
	Truncated    int
	FailedUnwind int
	Unresolved   int
	Inconsistent int
}

func (s *Stats) add(t uidtable.Termination) {
	switch t {
	case uidtable.Truncated:
		s.Truncated++
	case uidtable.FailedUnwind:
		s.FailedUnwind++
	case uidtable.Unresolved:
		s.Unresolved++
	case uidtable.Inconsistent:
		s.Inconsistent++
	}
}

// Warnings returns one message per kind of problem seen.
func (s Stats) Warnings() []string {
	var out []string
	if s.Missing > 0 {
		out = append(out, fmt.Sprintf("%d frameinfo packets are missing from total of %d", s.Missing, s.Events))
	}
	if s.Truncated > 0 {
		out = append(out, fmt.Sprintf("%d call stacks are truncated", s.Truncated))
	}
	if s.FailedUnwind > 0 {
		out = append(out, fmt.Sprintf("%d call stacks end at a failed unwind", s.FailedUnwind))
	}
	if s.Unresolved > 0 {
		out = append(out, fmt.Sprintf("%d call stacks link to stack ids that were never recorded", s.Unresolved))
	}
	if s.Inconsistent > 0 {
		out = append(out, fmt.Sprintf("%d call stacks contain inconsistent stack ids", s.Inconsistent))
	}
	return out
}

type memoKey struct {
	head    uidtable.NodeID
	version int64
}

type memoValue struct {
	stack StackID
	term  uidtable.Termination
}

// Resolver owns the stack fragments of one experiment and the interned
// stacks built from them. It is not safe for concurrent use.
type Resolver struct {
	ictx *ingest.Context
	loc  Locator

	Native    *uidtable.Table
	Java      *uidtable.Table
	Frames    *FrameIndex
	Locations *Locations
	Stacks    *Stacks

	// Memoized stacks are dropped once new fragments arrive, since a link
	// that was unresolved may now be defined.
	nativeMemo map[memoKey]memoValue
	javaMemo   map[memoKey]memoValue
	stale      bool

	scratch []LocationID
	values  []uint64
}

type Option func(*options)

type options struct {
	cacheSize int
}

// WithFrameCache puts an LRU cache of n frame lookups in front of the frame
// index.
func WithFrameCache(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

func NewResolver(ictx *ingest.Context, loc Locator, opts ...Option) (*Resolver, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if ictx == nil {
		ictx = ingest.NewContext()
	}
	frames, err := NewFrameIndex(o.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create frame index: %w", err)
	}
	return &Resolver{
		ictx:       ictx,
		loc:        loc,
		Native:     uidtable.New(),
		Java:       uidtable.New(),
		Frames:     frames,
		Locations:  NewLocations(),
		Stacks:     NewStacks(),
		nativeMemo: map[memoKey]memoValue{},
		javaMemo:   map[memoKey]memoValue{},
	}, nil
}

// AddFrame interns the fragments of a frame info packet.
func (r *Resolver) AddFrame(f packet.Frame) {
	e := Entry{UID: f.UID, Native: uidtable.Nil, Java: uidtable.Nil}
	for _, info := range f.Infos {
		switch info.Kind {
		case packet.InfoNative:
			e.Native = r.Native.AddChain(info.UID, info.Words, info.Link)
		case packet.InfoJava:
			e.Java = r.Java.AddChain(info.UID, info.Words, info.Link)
		case packet.InfoOMP:
			e.HasOMP = true
			e.OMPState = info.OMPState
			e.OMPRegion = info.OMPRegion
		}
	}
	r.Frames.Add(e)
	r.stale = true
}

// AddUID interns a fragment recorded on its own.
func (r *Resolver) AddUID(info packet.Info) {
	switch info.Kind {
	case packet.InfoJava:
		r.Java.AddChain(info.UID, info.Words, info.Link)
	default:
		r.Native.AddChain(info.UID, info.Words, info.Link)
	}
	r.stale = true
}

// Packet makes the resolver a packet.Handler for frame info and uid records.
func (r *Resolver) Packet(h packet.Header, rec packet.Record) error {
	switch h.Type {
	case packet.TypeFrame:
		f, err := packet.DecodeFrame(rec)
		if err != nil {
			return err
		}
		r.AddFrame(f)
	case packet.TypeUID:
		info, err := packet.DecodeUID(rec)
		if err != nil {
			return err
		}
		r.AddUID(info)
	}
	return nil
}

// Seal finishes loading fragments.
func (r *Resolver) Seal() {
	r.Frames.Seal()
	r.Native.Seal()
	r.Java.Seal()
}

// Resolve adds the stack columns to desc, which must have FRINFO and TSTAMP
// properties. Rows whose frame info is missing get empty stacks.
func (r *Resolver) Resolve(ctx context.Context, desc *datadesc.Descriptor) (Stats, error) {
	ctx, span := r.ictx.Tracer.Start(ctx, "callstack/Resolve")
	defer span.End()

	var st Stats
	frinfo, ok := desc.PropertyID("FRINFO")
	if !ok {
		return st, errors.New("data has no FRINFO property")
	}
	tstamp, ok := desc.PropertyID("TSTAMP")
	if !ok {
		return st, errors.New("data has no TSTAMP property")
	}
	r.Seal()
	if r.stale {
		clear(r.nativeMemo)
		clear(r.javaMemo)
		r.stale = false
	}

	mstack := desc.AddProperty(ColumnNativeStack, "Native call stack", datadesc.TypeUint32, datadesc.Hidden)
	jstack := desc.AddProperty(ColumnJavaStack, "Java call stack", datadesc.TypeUint32, datadesc.Hidden)
	ompState := desc.AddProperty(ColumnOMPState, "OpenMP state", datadesc.TypeUint32, 0)
	ompRegion := desc.AddProperty(ColumnOMPRegion, "OpenMP parallel region", datadesc.TypeUint64, 0)

	before := r.Stacks.Len()
	for row := 0; row < desc.Size(); row++ {
		if row%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return st, err
			}
		}
		uid := desc.GetUint64(frinfo, row)
		if uid == 0 {
			continue
		}
		st.Events++
		e, ok := r.Frames.Find(uid)
		if !ok {
			st.Missing++
			continue
		}
		ts := desc.GetInt(tstamp, row)
		version := r.loc.Version(ts)

		if e.Native != uidtable.Nil {
			v := r.native(e.Native, ts, version)
			st.add(v.term)
			desc.SetInt(mstack, row, int64(v.stack))
		}
		if e.Java != uidtable.Nil {
			v := r.java(e.Java, ts, version)
			st.add(v.term)
			desc.SetInt(jstack, row, int64(v.stack))
		}
		if e.HasOMP {
			desc.SetInt(ompState, row, int64(e.OMPState))
			desc.SetUint64(ompRegion, row, e.OMPRegion)
		}
	}

	r.ictx.Stats.MissingFrameInfo.Add(float64(st.Missing))
	r.ictx.Stats.Stacks.Add(float64(r.Stacks.Len() - before))
	span.SetAttributes(
		attribute.String("data", desc.Name()),
		attribute.Int("events", st.Events),
		attribute.Int("missing", st.Missing),
	)
	level.Debug(r.ictx.Logger).Log(
		"msg", "resolved call stacks",
		"data", desc.Name(),
		"events", st.Events,
		"missing", st.Missing,
		"stacks", r.Stacks.Len(),
	)
	return st, nil
}

func (r *Resolver) native(head uidtable.NodeID, ts, version int64) memoValue {
	key := memoKey{head: head, version: version}
	if v, ok := r.nativeMemo[key]; ok {
		return v
	}
	locs := r.scratch[:0]
	term := r.Native.Walk(head, func(addr uint64) bool {
		locs = append(locs, r.Locations.Intern(r.loc.NativeFrame(addr, ts)))
		return true
	})
	v := memoValue{stack: r.Stacks.Intern(r.finish(locs, term)), term: term}
	r.scratch = locs
	r.nativeMemo[key] = v
	return v
}

// java walks a chain of alternating bytecode index and method id values.
func (r *Resolver) java(head uidtable.NodeID, ts, version int64) memoValue {
	key := memoKey{head: head, version: version}
	if v, ok := r.javaMemo[key]; ok {
		return v
	}
	vals := r.values[:0]
	term := r.Java.Walk(head, func(v uint64) bool {
		vals = append(vals, v)
		return true
	})
	locs := r.scratch[:0]
	for i := 0; i+1 < len(vals); i += 2 {
		locs = append(locs, r.Locations.Intern(r.loc.JavaFrame(vals[i+1], vals[i], ts)))
	}
	v := memoValue{stack: r.Stacks.Intern(r.finish(locs, term)), term: term}
	r.values, r.scratch = vals, locs
	r.javaMemo[key] = v
	return v
}

func (r *Resolver) finish(locs []LocationID, term uidtable.Termination) []LocationID {
	switch term {
	case uidtable.Truncated:
		return append(locs, r.Locations.Intern(TruncatedFrame))
	case uidtable.Inconsistent:
		return append(locs, r.Locations.Intern(InconsistentFrame))
	}
	return locs
}

// Stack returns the frames of a stack, leaf first.
func (r *Resolver) Stack(id StackID) []Frame {
	locs := r.Stacks.Frames(id)
	out := make([]Frame, len(locs))
	for i, l := range locs {
		out[i] = r.Locations.Frame(l)
	}
	return out
}
