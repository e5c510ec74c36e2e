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
	"encoding/binary"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/erprof/pkg/archive"
	"github.com/parca-dev/erprof/pkg/callstack"
	"github.com/parca-dev/erprof/pkg/emsg"
	"github.com/parca-dev/erprof/pkg/ingest"
	"github.com/parca-dev/erprof/pkg/packet"
	"github.com/parca-dev/erprof/pkg/testutil"
)

const logHeader = `<collector version="2.40"/>
<system hostname="box" arch="x86_64" os="Linux" ncpus="4" clkfreq="2400" endian="little"/>
<process pid="42" ppid="1" exec="/bin/app" argv="/bin/app -x" wsize="64"/>
<profile name="clock" ptimer="10007"><profdata fname="profile"/></profile>
<event kind="run" tstamp="0.000000000"/>
`

func xmlDoc(body string) []byte {
	return []byte("<?xml version=\"1.0\"?>\n<experiment version=\"12.4\">\n" + body + "\n</experiment>\n")
}

func texts(q *emsg.Queue) []string {
	var out []string
	for _, m := range q.All() {
		out = append(out, m.Text())
	}
	return out
}

func openExperiment(t *testing.T, x *testutil.Experiment, opts ...Option) (*Experiment, *ingest.Context) {
	t.Helper()
	ictx := ingest.NewContext()
	return Open(context.Background(), ictx, x.Dir, opts...), ictx
}

func TestOpenRejectsName(t *testing.T) {
	statted := false
	stat := func(o *options) {
		o.stat = func(p string) (os.FileInfo, error) {
			statted = true
			return os.Stat(p)
		}
	}
	x := testutil.NewExperiment(t, "test.dir")
	x.Log("12.4", logHeader)

	e, _ := openExperiment(t, x, stat)
	require.Equal(t, Failure, e.Status())
	require.False(t, statted)

	msgs := e.Errors().All()
	require.Len(t, msgs, 1)
	require.Equal(t, emsg.Fatal, msgs[0].Kind())
	require.Contains(t, msgs[0].Text(), "not a valid experiment name")
}

func TestOpenStatus(t *testing.T) {
	for _, tc := range []struct {
		name   string
		events string
		want   Status
	}{
		{name: "exit", events: `<event kind="exit" tstamp="2.0"/>`, want: Success},
		{name: "exec", events: `<event kind="exec" tstamp="1.5" lineage="_x1"/>`, want: Success},
		{name: "no exit", events: `<event kind="sample" id="1" tstamp="1.0"/>`, want: Incomplete},
	} {
		t.Run(tc.name, func(t *testing.T) {
			x := testutil.NewExperiment(t, "test.er")
			x.Log("12.4", logHeader+tc.events)

			e, ictx := openExperiment(t, x)
			require.Equal(t, tc.want, e.Status())
			require.Empty(t, texts(e.Errors()))
			if tc.want == Incomplete {
				require.Contains(t, texts(e.Warnings())[0], "incomplete")
			} else {
				require.Empty(t, texts(e.Warnings()))
			}
			require.Equal(t, 1.0, promtestutil.ToFloat64(ictx.Stats.Experiments.WithLabelValues(tc.want.String())))
		})
	}
}

func TestDigest(t *testing.T) {
	x := testutil.NewExperiment(t, "test.er")
	x.Log("12.4", logHeader+`<event kind="sample" id="1" tstamp="1.0"/>`)

	a, _ := openExperiment(t, x)
	b, _ := openExperiment(t, x)
	require.Equal(t, a.Digest(), b.Digest())

	st := a.State()
	item, ok := st.PropertyID("STATE_ITEM")
	require.True(t, ok)
	value, _ := st.PropertyID("STATE_VALUE")
	require.Equal(t, "status", st.GetString(item, 0))
	require.Equal(t, int64(Incomplete), st.GetInt(value, 0))

	x.Log("12.4", logHeader+`<event kind="sample" id="1" tstamp="1.0"/><event kind="exit" tstamp="2.0"/>`)
	c, _ := openExperiment(t, x)
	require.Equal(t, Success, c.Status())
	require.NotEqual(t, a.Digest(), c.Digest())
}

func TestOpenFailures(t *testing.T) {
	t.Run("missing log", func(t *testing.T) {
		x := testutil.NewExperiment(t, "test.er")
		e, _ := openExperiment(t, x)
		require.Equal(t, Failure, e.Status())
		require.Len(t, texts(e.Errors()), 1)
	})
	t.Run("old version", func(t *testing.T) {
		x := testutil.NewExperiment(t, "test.er")
		x.Log("10.1", logHeader)
		e, _ := openExperiment(t, x)
		require.Equal(t, Failure, e.Status())
		require.Contains(t, texts(e.Errors())[0], "10.1")
	})
	t.Run("missing directory", func(t *testing.T) {
		e := Open(context.Background(), nil, t.TempDir()+"/nope.er")
		require.Equal(t, Failure, e.Status())
	})
	t.Run("failure skips later files", func(t *testing.T) {
		x := testutil.NewExperiment(t, "test.er")
		x.WriteFile(NotesFile, []byte("some notes"))
		e, _ := openExperiment(t, x)
		require.Equal(t, Failure, e.Status())
		require.Equal(t, 0, e.Notes().Len())
	})
}

func TestOpenStatTimeout(t *testing.T) {
	x := testutil.NewExperiment(t, "test.er")
	x.Log("12.4", logHeader+`<event kind="exit" tstamp="1.0"/>`)

	block := make(chan struct{})
	defer close(block)
	stat := func(o *options) {
		o.stat = func(string) (os.FileInfo, error) {
			<-block
			return nil, os.ErrNotExist
		}
	}

	e, _ := openExperiment(t, x, stat, WithStatTimeout(10*time.Millisecond))
	require.Equal(t, Success, e.Status())
	require.True(t, e.ModTime().IsZero())
}

func TestOpenReadsLog(t *testing.T) {
	x := testutil.NewExperiment(t, "test.er")
	x.Log("12.4", logHeader+`
<profile name="hwcounter">
 <hwcounter name="insts" uname="Instructions" interval="1000003"/>
 <hwcounter name="cycles" uname="Cycles" interval="1000003"/>
</profile>
<event kind="init_thread" thrid="1" tstamp="0.1"/>
<event kind="fini_thread" thrid="1" tstamp="0.9"/>
<event kind="sample" id="1" tstamp="0.5" label="warmup"/>
<event kind="sample" id="2" tstamp="1.0"/>
<event kind="ccomment">collected on a quiet machine</event>
<event kind="cwarn" id="201">clock resolution is coarse</event>
<event kind="exit" tstamp="1.0"/>`)
	x.WriteFile(WarningsFile, xmlDoc(`<event kind="cerror" id="5">signal handler replaced</event>`))
	x.WriteFile(NotesFile, []byte("tuned build\n"))
	x.WriteFile(LabelsFile, []byte(`<labels><label name="phase1" start="0.2" stop="0.4" comment="setup"/></labels>`))

	// Cumulative usage: the second period only adds its difference.
	ov := testutil.NewPackets(binary.LittleEndian)
	ov.Record(uint16(packet.TypeSample)).U32(4, 1).I64(8, 500_000_000).U64(16, 100).U64(24, 10).Done()
	ov.Record(uint16(packet.TypeSample)).U32(4, 2).I64(8, 1_000_000_000).U64(16, 250).U64(24, 30).Done()
	x.WriteFile(OverviewFile, ov.Bytes())

	e, ictx := openExperiment(t, x)
	require.Equal(t, Success, e.Status())

	require.Equal(t, "12.4", e.Version())
	require.Equal(t, "box", e.System().Hostname)
	require.Equal(t, int64(42), e.Process().PID)
	require.Equal(t, int64(1_000_000_000), e.EndTime())

	require.Equal(t, []string{"Collector error 5: signal handler replaced"}, texts(e.Errors()))
	require.Equal(t, []string{"Collector warning 201: clock resolution is coarse"}, texts(e.Warnings()))
	require.Equal(t, []string{"tuned build"}, texts(e.Notes()))
	comments := texts(e.Comments())
	require.Equal(t, "collected on a quiet machine", comments[0])
	require.Contains(t, comments, "Clock profiling, interval = 10.007 millisec.")

	require.Equal(t, []Lifetime{{ID: 1, Start: 100_000_000, End: 900_000_000}}, e.Threads())
	require.Equal(t, []Label{{Name: "phase1", Start: 200_000_000, Stop: 400_000_000, Comment: "setup"}}, e.Labels())

	samples := e.Samples()
	require.Len(t, samples, 2)
	require.Equal(t, "warmup", samples[0].Label)
	require.Equal(t, int64(500_000_000), samples[1].Start)
	require.Equal(t, []uint64{100, 10}, samples[0].Usage)
	require.Equal(t, []uint64{150, 20}, samples[1].Usage)

	_, ok := ictx.Metrics.Lookup("IPC")
	require.True(t, ok)
	_, ok = ictx.Metrics.Lookup("CPI")
	require.True(t, ok)

	var kinds []string
	for _, k := range e.Kinds() {
		kinds = append(kinds, k.Name)
	}
	require.Equal(t, []string{"CLOCK", "HWC"}, kinds)
}

func TestMapOverlapAtTopOfAddressSpace(t *testing.T) {
	x := testutil.NewExperiment(t, "test.er")
	x.Log("12.4", logHeader+`<event kind="exit" tstamp="9.0"/>`)
	x.WriteFile(MapFile, xmlDoc(`
<event kind="map" tstamp="1.0" vaddr="0xfffffffffffff000" size="0x1000" name="/lib/vdso.so"/>
<event kind="map" tstamp="2.0" vaddr="0xffffffffffffe000" size="0x4000" name="/lib/libtop.so"/>`))

	e, _ := openExperiment(t, x)
	require.Equal(t, Success, e.Status())

	warnings := texts(e.Warnings())
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0], "treating vdso.so as unloaded")

	segs := e.Segments()
	require.Len(t, segs, 2)
	require.Equal(t, int64(2_000_000_000), segs[0].Unload)

	s, ok := e.Segment(0xfffffffffffff800, 2_500_000_000)
	require.True(t, ok)
	require.Equal(t, "libtop.so", s.Name())
}

func TestArchivedObjects(t *testing.T) {
	data := []byte("\x7fELF archived copy")
	x := testutil.NewExperiment(t, "test.er")
	x.Log("12.4", logHeader+`<event kind="exit" tstamp="9.0"/>`)
	x.WriteFile(archive.Dir+"/"+archive.Name("/lib/libfoo.so"), data)
	x.WriteFile(MapFile, xmlDoc(`
<event kind="map" tstamp="1.0" vaddr="0x1000" size="0x1000" name="/lib/libfoo.so"/>
<event kind="map" tstamp="1.0" vaddr="0x4000" size="0x1000" name="/lib/libbar.so"/>`))

	e, _ := openExperiment(t, x)
	require.Equal(t, Success, e.Status())
	require.Equal(t, 1, e.Archives().Len())

	objs := e.Objects()
	require.Len(t, objs, 2)
	require.Equal(t, "/lib/libfoo.so", objs[0].Path)
	require.NotEmpty(t, objs[0].Archive)
	require.Equal(t, xxhash.Sum64(data), objs[0].Checksum)
	require.Empty(t, objs[1].Archive)
	require.Zero(t, objs[1].Checksum)
}

func TestMapOverlap(t *testing.T) {
	x := testutil.NewExperiment(t, "test.er")
	x.Log("12.4", logHeader+`<event kind="exit" tstamp="9.0"/>`)
	x.WriteFile(MapFile, xmlDoc(`
<event kind="map" tstamp="1.0" vaddr="0x1000" size="0x1000" name="/lib/libfoo.so"/>
<event kind="map" tstamp="2.0" vaddr="0x1000" size="0x1000" name="/usr/lib/libfoo.so"/>
<event kind="map" tstamp="3.0" vaddr="0x1800" size="0x1000" name="/lib/libbar.so"/>
<event kind="map" tstamp="4.0" vaddr="0x8000" size="0x100" name="/lib/libbaz.so"/>
<event kind="unmap" tstamp="5.0" vaddr="0x8000"/>`))

	e, _ := openExperiment(t, x)
	require.Equal(t, Success, e.Status())

	warnings := texts(e.Warnings())
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0], "libfoo.so [0x1000-0x2000]")
	require.Contains(t, warnings[0], "libbar.so [0x1800-0x2800]")

	segs := e.Segments()
	require.Len(t, segs, 3)
	require.Equal(t, int64(3_000_000_000), segs[0].Unload)

	s, ok := e.Segment(0x1100, 2_500_000_000)
	require.True(t, ok)
	require.Equal(t, "libfoo.so", s.Name())
	// Cached lookups agree with fresh ones.
	s, ok = e.Segment(0x1100, 2_500_000_000)
	require.True(t, ok)
	require.Equal(t, "libfoo.so", s.Name())

	_, ok = e.Segment(0x1100, 3_500_000_000)
	require.False(t, ok)
	s, ok = e.Segment(0x1900, 3_500_000_000)
	require.True(t, ok)
	require.Equal(t, "libbar.so", s.Name())

	_, ok = e.Segment(0x8010, 4_500_000_000)
	require.True(t, ok)
	_, ok = e.Segment(0x8010, 5_500_000_000)
	require.False(t, ok)
}

func clockEvent(p *testutil.Packets, frame uint64, ts int64) {
	p.Event(uint16(packet.TypeProf), testutil.Common{Thread: 1, LWP: 1, CPU: 0, Time: ts, Frame: frame}).
		U32(32, 1).U32(36, 1).Done()
}

func TestDataDescriptor(t *testing.T) {
	x := testutil.NewExperiment(t, "test.er")
	x.Log("12.4", logHeader+`<event kind="exit" tstamp="9.0"/>`)
	x.WriteFile(MapFile, xmlDoc(`<event kind="map" tstamp="0.0" vaddr="0x400000" size="0x10000" foffset="0x1000" name="/bin/app"/>`))

	frames := testutil.NewPackets(binary.LittleEndian).
		UID(0x100, 0, 0x400200, 0x400100).
		Frame(1, testutil.FrameInfo{Kind: 1, UID: 0x200, Words: []uint64{0x400300}, Link: 0x100}).
		Frame(2, testutil.FrameInfo{Kind: 1, UID: 0x201, Words: []uint64{0x999999}})
	x.WriteFile(FrameFile, frames.Bytes())

	data := testutil.NewPackets(binary.LittleEndian)
	clockEvent(data, 1, 100)
	clockEvent(data, 2, 200)
	data.Raw([]byte{6, 0, 1, 0})
	data.Raw(make([]byte, 128-data.Len()))
	clockEvent(data, 99, 300)
	clockEvent(data, 1, 400)
	x.WriteFile("profile", data.Bytes())

	e, _ := openExperiment(t, x, WithChunkSize(64), WithFrameCache(8))
	require.Equal(t, Success, e.Status())

	d, err := e.DataDescriptor(context.Background(), "CLOCK")
	require.NoError(t, err)
	require.Equal(t, 4, d.Size())

	again, err := e.DataDescriptor(context.Background(), "CLOCK")
	require.NoError(t, err)
	require.Same(t, d, again)

	require.Equal(t, []string{
		"1 invalid packet(s) found in profile",
		"1 frameinfo packets are missing from total of 4",
	}, texts(e.Warnings()))

	r, err := e.Resolver(context.Background())
	require.NoError(t, err)
	mstack, ok := d.PropertyID(callstack.ColumnNativeStack)
	require.True(t, ok)

	var names []string
	for _, f := range r.Stack(callstack.StackID(d.GetInt(mstack, 0))) {
		names = append(names, f.String())
	}
	require.Equal(t, []string{
		"<static>+0x1300 [app]",
		"<static>+0x1200 [app]",
		"<static>+0x1100 [app]",
	}, names)
	require.Equal(t, d.GetInt(mstack, 0), d.GetInt(mstack, 3))

	unknown := r.Stack(callstack.StackID(d.GetInt(mstack, 1)))
	require.Len(t, unknown, 1)
	require.Equal(t, UnknownObject, unknown[0].Object)

	require.Equal(t, []int64{1}, e.TagValues("THRID"))

	_, err = e.DataDescriptor(context.Background(), "HEAP")
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestJavaStacks(t *testing.T) {
	x := testutil.NewExperiment(t, "test.er")
	x.Log("12.4", logHeader+`<event kind="exit" tstamp="9.0"/>`)

	jc := testutil.NewPackets(binary.LittleEndian)
	jc.Record(uint16(packet.TypeJClass)).U64(8, 7).I64(16, 0).String(24, "Ljava/lang/String;").Done()
	jc.Record(uint16(packet.TypeJMethod)).U64(8, 70).U64(16, 7).I64(24, 0).String(32, "length").Done()
	x.WriteFile(JClassesFile, jc.Bytes())

	x.WriteFile(FrameFile, testutil.NewPackets(binary.LittleEndian).
		Frame(1, testutil.FrameInfo{Kind: 2, UID: 0x300, Words: []uint64{7, 70, 1, 71}}).Bytes())

	data := testutil.NewPackets(binary.LittleEndian)
	clockEvent(data, 1, 100)
	x.WriteFile("profile", data.Bytes())

	e, _ := openExperiment(t, x)
	d, err := e.DataDescriptor(context.Background(), "CLOCK")
	require.NoError(t, err)

	r, err := e.Resolver(context.Background())
	require.NoError(t, err)
	jstack, _ := d.PropertyID(callstack.ColumnJavaStack)

	var names []string
	for _, f := range r.Stack(callstack.StackID(d.GetInt(jstack, 0))) {
		names = append(names, f.String())
	}
	require.Equal(t, []string{"java.lang.String.length (bci 7)", "<unknown method 0x47> (bci 1)"}, names)
}

func TestUserPackets(t *testing.T) {
	x := testutil.NewExperiment(t, "test.er")
	x.Log("12.4", logHeader+`
<profile name="myprof">
 <profdata fname="mydata"/>
 <profpckt kind="40" uname="My events">
  <field name="UVAL" uname="User value" offset="32" type="INT64"/>
 </profpckt>
</profile>
<event kind="exit" tstamp="9.0"/>`)

	data := testutil.NewPackets(binary.LittleEndian)
	data.Event(40, testutil.Common{Thread: 3, Time: 10}).I64(32, 77).Done()
	x.WriteFile("mydata", data.Bytes())

	e, _ := openExperiment(t, x)
	d, err := e.DataDescriptor(context.Background(), "MYPROF")
	require.NoError(t, err)
	require.Equal(t, 1, d.Size())

	uval, ok := d.PropertyID("UVAL")
	require.True(t, ok)
	require.Equal(t, int64(77), d.GetInt(uval, 0))
}

func TestHeapMap(t *testing.T) {
	x := testutil.NewExperiment(t, "test.er")
	x.Log("12.4", logHeader+`<profile name="heaptrace"/><event kind="exit" tstamp="9.0"/>`)

	data := testutil.NewPackets(binary.LittleEndian)
	heap := func(typ uint32, ts int64, size, addr, oaddr uint64) {
		data.Event(uint16(packet.TypeHeap), testutil.Common{Time: ts}).
			U32(32, typ).U64(40, size).U64(48, addr).U64(56, oaddr).Done()
	}
	heap(HeapMalloc, 10, 100, 0x10, 0)
	heap(HeapMalloc, 20, 50, 0x20, 0)
	heap(HeapFree, 30, 0, 0x10, 0)
	heap(HeapRealloc, 40, 80, 0x30, 0x20)
	x.WriteFile("heaptrace", data.Bytes())

	e, _ := openExperiment(t, x)
	d, err := e.DataDescriptor(context.Background(), "HEAP")
	require.NoError(t, err)

	leaked, ok := d.PropertyID(ColumnHeapLeaked)
	require.True(t, ok)
	freed, ok := d.PropertyID(ColumnHeapFreed)
	require.True(t, ok)

	var gotLeaked, gotFreed []uint64
	for row := 0; row < d.Size(); row++ {
		gotLeaked = append(gotLeaked, d.GetUint64(leaked, row))
		gotFreed = append(gotFreed, d.GetUint64(freed, row))
	}
	require.Equal(t, []uint64{0, 0, 0, 80}, gotLeaked)
	require.Equal(t, []uint64{0, 0, 100, 50}, gotFreed)
}

func TestSyncDuration(t *testing.T) {
	x := testutil.NewExperiment(t, "test.er")
	x.Log("12.4", logHeader+`<profile name="synctrace"/><event kind="exit" tstamp="9.0"/>`)

	data := testutil.NewPackets(binary.LittleEndian)
	data.Event(uint16(packet.TypeSync), testutil.Common{Time: 500}).I64(32, 200).U64(40, 0xbeef).Done()
	x.WriteFile("synctrace", data.Bytes())

	e, _ := openExperiment(t, x)
	d, err := e.DataDescriptor(context.Background(), "SYNCH")
	require.NoError(t, err)
	dur, ok := d.PropertyID(ColumnSyncDuration)
	require.True(t, ok)
	require.Equal(t, int64(300), d.GetInt(dur, 0))
}

func TestDynamicFunctions(t *testing.T) {
	x := testutil.NewExperiment(t, "test.er")
	x.Log("12.4", logHeader+`
<event kind="jcm_load" tstamp="0.5" methodId="0x46" vaddr="0x7000" size="0x100" name="_Z3fooi"/>
<event kind="exit" tstamp="9.0"/>`)

	order := binary.LittleEndian
	dt := make([]byte, 0, 64)
	put32 := func(v uint32) { dt = order.AppendUint32(dt, v) }
	put64 := func(v uint64) { dt = order.AppendUint64(dt, v) }
	put32(dynTextHeader)
	put32(24)
	put64(0x7000)
	put64(0x100)
	put32(dynTextSource)
	put32(16)
	dt = append(dt, "Foo.cc\x00\x00"...)
	put32(dynTextLines)
	put32(24)
	put32(0)
	put32(10)
	put32(0x40)
	put32(12)
	x.WriteFile(DynTextFile, dt)

	e, _ := openExperiment(t, x)
	fn, ok := e.Function(0x7000)
	require.True(t, ok)
	require.Equal(t, "Foo.cc", fn.Source)
	line, ok := fn.Line(0x50)
	require.True(t, ok)
	require.Equal(t, uint32(12), line)

	f := e.nativeFrame(0x7010, 1_000_000_000)
	require.Equal(t, "foo(int)", f.Function)
	require.Equal(t, CompiledMethodObject, f.Object)
	require.Equal(t, uint64(0x10), f.Offset)
}

func TestOMPRegions(t *testing.T) {
	x := testutil.NewExperiment(t, "test.er")
	x.Log("12.4", strings.Replace(logHeader, `<collector version="2.40"/>`,
		`<collector version="2.40"><setting openmp="on"/></collector>`, 1)+`<event kind="exit" tstamp="9.0"/>`)

	data := testutil.NewPackets(binary.LittleEndian)
	for i, region := range []uint64{5, 5, 6} {
		data.Event(uint16(packet.TypeOMP), testutil.Common{Time: int64(10 * (i + 1))}).U32(32, 1).U64(40, region).Done()
	}
	x.WriteFile(OMPFile, data.Bytes())

	e, _ := openExperiment(t, x)
	require.Equal(t, []OMPRegion{
		{ID: 5, Events: 2, First: 10, Last: 20},
		{ID: 6, Events: 1, First: 30, Last: 30},
	}, e.OMPRegions())

	d, err := e.DataDescriptor(context.Background(), "OMP")
	require.NoError(t, err)
	require.Equal(t, 3, d.Size())
}
