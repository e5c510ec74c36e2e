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
	"encoding/xml"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-kit/log/level"

	"github.com/parca-dev/erprof/pkg/archive"
	"github.com/parca-dev/erprof/pkg/emsg"
	"github.com/parca-dev/erprof/pkg/logxml"
	"github.com/parca-dev/erprof/pkg/packet"
)

func (e *Experiment) readNotes(context.Context) error {
	b, err := os.ReadFile(e.file(NotesFile))
	if err != nil {
		return err
	}
	if text := strings.TrimSpace(string(b)); text != "" {
		e.notes.Append(emsg.Notes, text)
	}
	return nil
}

type labelsDoc struct {
	Labels []struct {
		Name    string `xml:"name,attr"`
		Start   string `xml:"start,attr"`
		Stop    string `xml:"stop,attr"`
		Comment string `xml:"comment,attr"`
	} `xml:"label"`
}

func (e *Experiment) readLabels(context.Context) error {
	b, err := os.ReadFile(e.file(LabelsFile))
	if err != nil {
		return err
	}
	var doc labelsDoc
	if err := xml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("parse labels: %w", err)
	}
	for _, l := range doc.Labels {
		start, err := logxml.ParseTimestamp(l.Start)
		if err != nil {
			return fmt.Errorf("label %q: %w", l.Name, err)
		}
		stop := start
		if l.Stop != "" {
			if stop, err = logxml.ParseTimestamp(l.Stop); err != nil {
				return fmt.Errorf("label %q: %w", l.Name, err)
			}
		}
		e.labels = append(e.labels, Label{Name: l.Name, Start: start, Stop: stop, Comment: l.Comment})
	}
	return nil
}

func (e *Experiment) readArchives(context.Context) error {
	x, err := archive.Open(e.file(archive.Dir))
	if err != nil {
		return err
	}
	e.archives = x
	return nil
}

// addSample closes the period ending at ts.
func (e *Experiment) addSample(id, ts int64, label string) {
	start := e.startTime
	if n := len(e.samples); n > 0 {
		start = e.samples[n-1].End
	}
	e.samples = append(e.samples, &Sample{Number: id, Start: start, End: ts, Label: label})
}

// readOverview attaches microstate usage to the sample periods. The file
// holds running totals; periods get the difference to the previous sample.
func (e *Experiment) readOverview(ctx context.Context) error {
	byNumber := make(map[int64]*Sample, len(e.samples))
	for _, s := range e.samples {
		byNumber[s.Number] = s
	}

	var prev []uint64
	mux := packet.NewMux()
	mux.HandleFunc(packet.TypeSample, func(_ packet.Header, rec packet.Record) error {
		ps, err := packet.DecodeSample(rec)
		if err != nil {
			return err
		}
		s, ok := byNumber[int64(ps.Number)]
		if !ok {
			e.addSample(int64(ps.Number), ps.Timestamp, "")
			s = e.samples[len(e.samples)-1]
			byNumber[s.Number] = s
		}
		s.Usage = make([]uint64, len(ps.Usage))
		for i, v := range ps.Usage {
			if i < len(prev) && prev[i] <= v {
				v -= prev[i]
			}
			s.Usage[i] = v
		}
		prev = ps.Usage
		return nil
	})
	_, err := e.readPackets(ctx, OverviewFile, mux)
	return err
}

// readIFreq passes the instruction frequency report through as commentary.
func (e *Experiment) readIFreq(context.Context) error {
	b, err := os.ReadFile(e.file(IFreqFile))
	if err != nil {
		return err
	}
	if text := strings.TrimSpace(string(b)); text != "" {
		e.comments.Append(emsg.Comment, "Instruction frequency data:\n"+text)
	}
	return nil
}

// OMPRegion summarizes the events recorded for one OpenMP parallel region.
type OMPRegion struct {
	ID     uint64
	Events int
	First  int64
	Last   int64
}

// readOMP indexes the OpenMP regions of the omptrace file and makes its
// events available as the OMP data kind.
func (e *Experiment) readOMP(ctx context.Context) error {
	l, _ := packet.Builtin(packet.TypeOMP)
	if _, ok := e.kinds[l.Kind]; !ok {
		e.kinds[l.Kind] = &DataKind{Name: l.Kind, UName: l.UName, File: OMPFile, Layouts: []packet.Layout{l}}
		e.kindOrder = append(e.kindOrder, l.Kind)
	}

	regions := map[uint64]*OMPRegion{}
	mux := packet.NewMux()
	mux.HandleFunc(packet.TypeOMP, func(_ packet.Header, rec packet.Record) error {
		if rec.Len() < l.MinSize() {
			return packet.ErrInvalidPacket
		}
		id, ts := rec.U64(40), rec.I64(16)
		r, ok := regions[id]
		if !ok {
			r = &OMPRegion{ID: id, First: ts, Last: ts}
			regions[id] = r
		}
		r.Events++
		if ts < r.First {
			r.First = ts
		}
		if ts > r.Last {
			r.Last = ts
		}
		return nil
	})
	if _, err := e.readPackets(ctx, OMPFile, mux); err != nil {
		return err
	}

	e.ompRegions = make([]OMPRegion, 0, len(regions))
	for _, r := range regions {
		e.ompRegions = append(e.ompRegions, *r)
	}
	sort.Slice(e.ompRegions, func(i, j int) bool { return e.ompRegions[i].ID < e.ompRegions[j].ID })
	level.Debug(e.logger).Log("msg", "read OpenMP regions", "regions", len(e.ompRegions))
	return nil
}

func (e *Experiment) OMPRegions() []OMPRegion { return e.ompRegions }

// Dynamic text record tags.
const (
	dynTextHeader = 1
	dynTextSource = 2
	dynTextLines  = 3
)

// readDynText attaches source information to dynamically generated
// functions. Each record is a tag and a size counting its 8 byte header;
// a header record selects the function later records describe.
func (e *Experiment) readDynText(context.Context) error {
	b, err := os.ReadFile(e.file(DynTextFile))
	if err != nil {
		return err
	}
	rec := packet.NewRecord(e.order, b)

	var fn *Function
	skipped := 0
	for off := 0; off+8 <= len(b); {
		tag, size := rec.U32(off), int(rec.U32(off+4))
		if size < 8 || off+size > len(b) {
			return fmt.Errorf("bad record of size %d at offset %d", size, off)
		}
		body := off + 8
		switch tag {
		case dynTextHeader:
			if size < 24 {
				return fmt.Errorf("short header record at offset %d", off)
			}
			vaddr := rec.U64(body)
			var ok bool
			if fn, ok = e.dynfuncs[vaddr]; !ok {
				skipped++
			}
		case dynTextSource:
			if fn != nil {
				fn.Source, _ = rec.CString(body)
			}
		case dynTextLines:
			if fn != nil {
				for p := body; p+8 <= off+size; p += 8 {
					fn.Lines = append(fn.Lines, LineEntry{Offset: rec.U32(p), Line: rec.U32(p + 4)})
				}
				sort.Slice(fn.Lines, func(i, j int) bool { return fn.Lines[i].Offset < fn.Lines[j].Offset })
			}
		}
		off += size
	}
	if skipped > 0 {
		level.Debug(e.logger).Log("msg", "dynamic text for unknown functions", "count", skipped)
	}
	return nil
}
