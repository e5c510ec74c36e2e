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

package logxml

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type element struct {
	state State
	name  string
	text  string
}

type recorder struct {
	starts []State
	ends   []element
}

func (r *recorder) Start(s State, a Attrs) error {
	r.starts = append(r.starts, s)
	return nil
}

func (r *recorder) End(s State, a Attrs, text string) error {
	r.ends = append(r.ends, element{state: s, name: a.String("kind") + a.String("name"), text: text})
	return nil
}

const testLog = `<?xml version="1.0" encoding="UTF-8"?>
<experiment version="12.4">
 <collector version="2.40">
  <setting openmp="on"/>
  <profile name="clock">
   <profdata fname="profile"/>
   <profpckt kind="40" uname="User events">
    <field name="UVAL" uname="User value" offset="32" type="INT64"/>
   </profpckt>
   <bogus><field name="ignored"/></bogus>
  </profile>
 </collector>
 <system hostname="box" endian="little"/>
 <event kind="run" tstamp="0.000000000"/>
 <event kind="cwarn" id="212" tstamp="1.000000500">something odd</event>
 <field name="misplaced"/>
</experiment>
`

func TestParse(t *testing.T) {
	r := &recorder{}
	require.NoError(t, Parse(context.Background(), strings.NewReader(testLog), r))

	require.Equal(t, []State{
		StateExperiment, StateCollector, StateSetting, StateProfile, StateProfData,
		StateProfPckt, StateField, StateSystem, StateEvent, StateEvent,
	}, r.starts)

	var fields, events []element
	for _, e := range r.ends {
		switch e.state {
		case StateField:
			fields = append(fields, e)
		case StateEvent:
			events = append(events, e)
		}
	}
	require.Equal(t, []element{{state: StateField, name: "UVAL"}}, fields)
	require.Len(t, events, 2)
	require.Equal(t, "run", events[0].name)
	require.Equal(t, "cwarn", events[1].name)
	require.Equal(t, "something odd", events[1].text)
	require.Equal(t, StateExperiment, r.ends[len(r.ends)-1].state)
}

func TestParseVersion(t *testing.T) {
	for _, v := range []string{"11.0", "13.1", "x", ""} {
		t.Run(v, func(t *testing.T) {
			log := `<experiment version="` + v + `"></experiment>`
			err := Parse(context.Background(), strings.NewReader(log), &recorder{})
			var verr *VersionError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, v, verr.Version)
		})
	}
	require.NoError(t, Parse(context.Background(), strings.NewReader(`<experiment version="12.0"/>`), &recorder{}))
}

func TestParseTruncated(t *testing.T) {
	log := `<experiment version="12.4"><event kind="run" tstamp="0.0"/><event kind="ex`
	r := &recorder{}
	err := Parse(context.Background(), strings.NewReader(log), r)
	require.ErrorIs(t, err, ErrTruncated)
	require.Len(t, r.ends, 1)
}

func TestAttrs(t *testing.T) {
	r := &attrRecorder{}
	log := `<experiment version="12.4"><event kind="map" vaddr="0x1000" size="4096" tstamp="2.000000042" modes="005" on="yes"/></experiment>`
	require.NoError(t, Parse(context.Background(), strings.NewReader(log), r))

	a := r.attrs
	vaddr, err := a.Uint64("vaddr")
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), vaddr)

	size, err := a.Int64("size")
	require.NoError(t, err)
	require.Equal(t, int64(4096), size)

	ts, err := a.Timestamp("tstamp")
	require.NoError(t, err)
	require.Equal(t, int64(2_000_000_042), ts)

	require.True(t, a.Bool("on"))
	require.False(t, a.Bool("off"))

	_, err = a.Uint64("foffset")
	require.ErrorIs(t, err, ErrMissing)
}

type attrRecorder struct{ attrs Attrs }

func (r *attrRecorder) Start(s State, a Attrs) error {
	if s == StateEvent {
		r.attrs = a
	}
	return nil
}

func (r *attrRecorder) End(State, Attrs, string) error { return nil }

func TestParseTimestamp(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want int64
		err  bool
	}{
		{in: "0", want: 0},
		{in: "3.000000001", want: 3_000_000_001},
		{in: "12.5", want: 12_500_000_000},
		{in: "1.000100", want: 1_000_100_000},
		{in: "-1.5", want: -1_500_000_000},
		{in: "-0.25", want: -250_000_000},
		{in: "a.1", err: true},
		{in: "1.-5", err: true},
		{in: "1.+5", err: true},
		{in: "1.9999999999", err: true},
	} {
		got, err := ParseTimestamp(tc.in)
		if tc.err {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}
