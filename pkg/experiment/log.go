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
	"strings"

	"github.com/go-kit/log/level"

	"github.com/parca-dev/erprof/pkg/datadesc"
	"github.com/parca-dev/erprof/pkg/emsg"
	"github.com/parca-dev/erprof/pkg/logxml"
	"github.com/parca-dev/erprof/pkg/packet"
)

// profileTypes maps profile names used in logs to built-in record types.
var profileTypes = map[string]packet.Type{
	"clock":     packet.TypeProf,
	"synctrace": packet.TypeSync,
	"hwcounter": packet.TypeHWC,
	"heaptrace": packet.TypeHeap,
	"iotrace":   packet.TypeIO,
	"datarace":  packet.TypeRace,
	"deadlock":  packet.TypeDeadlock,
	"omptrace":  packet.TypeOMP,
}

// logHandler applies the elements of log.xml, map.xml and warnings.xml to
// an experiment. One handler reads one file.
type logHandler struct {
	e    *Experiment
	file string

	profile *DataKind
	pckt    *packet.Layout

	// onlyMessages restricts the handler to collector messages.
	onlyMessages bool
}

func (h *logHandler) Start(s logxml.State, a logxml.Attrs) error {
	e := h.e
	if h.onlyMessages {
		return nil
	}
	switch s {
	case logxml.StateExperiment:
		if h.file == LogFile {
			e.version = a.String("version")
			e.status = Incomplete
		}
	case logxml.StateCollector:
		e.collector.Version = a.String("version")
	case logxml.StateSetting:
		if e.collector.Settings == nil {
			e.collector.Settings = map[string]string{}
		}
		for _, at := range a {
			e.collector.Settings[at.Name.Local] = at.Value
		}
	case logxml.StateProcess:
		e.process = Process{
			PID:      h.intAttr(a, "pid"),
			PPID:     h.intAttr(a, "ppid"),
			PGRP:     h.intAttr(a, "pgrp"),
			SID:      h.intAttr(a, "sid"),
			Cwd:      a.String("cwd"),
			Exec:     a.String("exec"),
			Argv:     a.String("argv"),
			WordSize: h.intAttr(a, "wsize"),
		}
	case logxml.StateSystem:
		e.system = System{
			Hostname: a.String("hostname"),
			Arch:     a.String("arch"),
			OS:       a.String("os"),
			PageSize: h.intAttr(a, "pagesz"),
			NCPUs:    h.intAttr(a, "ncpus"),
			ClockMHz: h.intAttr(a, "clkfreq"),
			Endian:   a.String("endian"),
		}
		order, err := packet.ParseByteOrder(e.system.Endian)
		if err != nil {
			e.warnings.Appendf(emsg.Warning, "%s: %v, assuming little endian", h.file, err)
		} else {
			e.order = order
		}
	case logxml.StateProfile:
		h.profile = e.startProfile(a)
	case logxml.StateProfData:
		if h.profile != nil {
			if f := a.String("fname"); f != "" {
				h.profile.File = f
			}
		}
	case logxml.StateProfPckt:
		kind, err := a.Int64("kind")
		if err != nil || kind < int64(packet.TypeUser) || kind > 0xffff {
			e.warnings.Appendf(emsg.Warning, "%s: ignoring packet description with bad kind %q", h.file, a.String("kind"))
			return nil
		}
		h.pckt = &packet.Layout{Type: packet.Type(kind), UName: a.String("uname")}
	case logxml.StateField:
		if h.pckt != nil {
			h.addField(a)
		}
	case logxml.StateState:
		e.states = append(e.states, MicroState{
			Value: h.intAttr(a, "value"),
			Name:  a.String("name"),
			UName: a.String("uname"),
		})
	case logxml.StateHWCounter:
		e.hwcounters = append(e.hwcounters, HWCounter{
			Name:     a.String("name"),
			UName:    a.String("uname"),
			Interval: h.intAttr(a, "interval"),
			Metric:   a.String("metric"),
		})
	}
	return nil
}

func (h *logHandler) End(s logxml.State, a logxml.Attrs, text string) error {
	switch s {
	case logxml.StateEvent:
		h.event(a, text)
	case logxml.StateProfPckt:
		if h.pckt != nil && h.profile != nil && !h.onlyMessages {
			l := packet.NewLayout(h.pckt.Type, h.profile.Name, h.pckt.UName, h.profile.File, h.pckt.Fields...)
			h.profile.Layouts = append(h.profile.Layouts, l)
		}
		h.pckt = nil
	case logxml.StateProfile:
		if h.profile != nil {
			for i := range h.profile.Layouts {
				h.profile.Layouts[i].File = h.profile.File
			}
		}
		h.profile = nil
	}
	return nil
}

func (h *logHandler) intAttr(a logxml.Attrs, name string) int64 {
	v, err := a.Int64(name)
	if err != nil && !errors.Is(err, logxml.ErrMissing) {
		level.Debug(h.e.logger).Log("msg", "bad attribute", "file", h.file, "err", err)
	}
	return v
}

func (h *logHandler) uintAttr(a logxml.Attrs, name string) uint64 {
	v, err := a.Uint64(name)
	if err != nil && !errors.Is(err, logxml.ErrMissing) {
		level.Debug(h.e.logger).Log("msg", "bad attribute", "file", h.file, "err", err)
	}
	return v
}

func (h *logHandler) timestamp(a logxml.Attrs) int64 {
	ts, err := a.Timestamp("tstamp")
	if err != nil && !errors.Is(err, logxml.ErrMissing) {
		level.Debug(h.e.logger).Log("msg", "bad timestamp", "file", h.file, "err", err)
	}
	return ts
}

func (h *logHandler) addField(a logxml.Attrs) {
	name := a.String("name")
	typ, err := datadesc.ParseType(a.String("type"))
	off, oerr := a.Int64("offset")
	if name == "" || err != nil || oerr != nil || off < packet.CommonSize {
		h.e.warnings.Appendf(emsg.Warning, "%s: ignoring field %q of packet kind %d", h.file, name, h.pckt.Type)
		return
	}
	h.pckt.Fields = append(h.pckt.Fields, packet.Field{
		Name:   name,
		UName:  a.String("uname"),
		Offset: int(off),
		Type:   typ,
	})
}

// startProfile registers the data kind a profile element describes.
func (e *Experiment) startProfile(a logxml.Attrs) *DataKind {
	name := a.String("name")
	if name == "" {
		return nil
	}
	k := &DataKind{Name: strings.ToUpper(name), UName: name, File: name}
	if t, ok := profileTypes[name]; ok {
		l, _ := packet.Builtin(t)
		k.Name, k.UName, k.File = l.Kind, l.UName, l.File
		k.Layouts = []packet.Layout{l}
	}
	if v, err := a.Int64("ptimer"); err == nil {
		k.Interval = v
	} else if v, err := a.Int64("interval"); err == nil {
		k.Interval = v
	}
	if existing, ok := e.kinds[k.Name]; ok {
		return existing
	}
	e.kinds[k.Name] = k
	e.kindOrder = append(e.kindOrder, k.Name)
	return k
}

func (h *logHandler) event(a logxml.Attrs, text string) {
	e := h.e
	kind := a.String("kind")

	switch kind {
	case "cwarn":
		e.warnings.Append(emsg.Warning, collectorMessage("warning", a, text))
		return
	case "cerror":
		e.errors.Append(emsg.Error, collectorMessage("error", a, text))
		return
	case "ccomment":
		e.comments.Append(emsg.Comment, text)
		return
	case "cnote":
		e.notes.Append(emsg.Notes, text)
		return
	}
	if h.onlyMessages {
		return
	}

	ts := h.timestamp(a)
	switch kind {
	case "run":
		e.runSeen = true
		e.startTime = ts
	case "exit":
		e.exitSeen = true
		e.endTime = ts
		e.status = Success
	case "exec":
		// The process replaced its image; the recording ended normally.
		e.execSeen = true
		e.endTime = ts
		e.status = Success
		e.descendants = append(e.descendants, Descendant{Kind: kind, PID: h.intAttr(a, "pid"), Lineage: a.String("lineage"), Time: ts})
	case "fork", "vfork", "desc_start", "desc_started":
		e.descendants = append(e.descendants, Descendant{Kind: kind, PID: h.intAttr(a, "pid"), Lineage: a.String("lineage"), Time: ts})
	case "init_lwp":
		startLifetime(e.lwps, h.uintAttr(a, "lwpid"), "", ts)
	case "fini_lwp":
		endLifetime(e.lwps, h.uintAttr(a, "lwpid"), ts)
	case "init_thread":
		startLifetime(e.threads, h.uintAttr(a, "thrid"), "", ts)
	case "fini_thread":
		endLifetime(e.threads, h.uintAttr(a, "thrid"), ts)
	case "jthread_start":
		startLifetime(e.jthreads, h.uintAttr(a, "jthr"), a.String("name"), ts)
	case "jthread_end":
		endLifetime(e.jthreads, h.uintAttr(a, "jthr"), ts)
	case "gc_start":
		e.gcs = append(e.gcs, Interval{Start: ts, End: ts})
	case "gc_end":
		if n := len(e.gcs); n > 0 {
			e.gcs[n-1].End = ts
		}
	case "pause":
		e.pauses = append(e.pauses, Interval{Start: ts, End: ts})
	case "resume":
		if n := len(e.pauses); n > 0 {
			e.pauses[n-1].End = ts
		}
	case "sample":
		e.addSample(h.intAttr(a, "id"), ts, a.String("label"))
	case "signal":
		e.signals++
		level.Debug(e.logger).Log("msg", "signal delivered", "signal", a.String("sig"), "tstamp", ts)
	case "hostname":
		e.system.Hostname = a.String("hostname")
	case "map":
		h.mapEvent(a, ts)
	case "unmap":
		e.unmapSegment(h.uintAttr(a, "vaddr"), ts)
	case "jcm_load":
		e.loadCompiledMethod(h.uintAttr(a, "methodId"), h.uintAttr(a, "vaddr"), h.uintAttr(a, "size"), a.String("name"), ts)
	case "jcm_unload":
		e.unmapSegment(h.uintAttr(a, "vaddr"), ts)
	default:
		level.Debug(e.logger).Log("msg", "ignoring log event", "kind", kind)
	}
}

func (h *logHandler) mapEvent(a logxml.Attrs, ts int64) {
	h.e.mapSegment(SegMem{
		Base:       h.uintAttr(a, "vaddr"),
		Size:       h.uintAttr(a, "size"),
		FileOffset: h.uintAttr(a, "foffset"),
		Modes:      uint32(h.uintAttr(a, "modes")),
		Load:       ts,
	}, a.String("name"))
}

func collectorMessage(what string, a logxml.Attrs, text string) string {
	if id := a.String("id"); id != "" {
		return fmt.Sprintf("Collector %s %s: %s", what, id, text)
	}
	return fmt.Sprintf("Collector %s: %s", what, text)
}

func startLifetime(m map[uint64]*Lifetime, id uint64, name string, ts int64) {
	m[id] = &Lifetime{ID: id, Name: name, Start: ts, End: ts}
}

func endLifetime(m map[uint64]*Lifetime, id uint64, ts int64) {
	if l, ok := m[id]; ok {
		l.End = ts
	}
}

// readLog parses log.xml, the one file an experiment cannot do without. It
// reports whether opening may continue.
func (e *Experiment) readLog(ctx context.Context) bool {
	ctx, span := e.ictx.Tracer.Start(ctx, "experiment/"+LogFile)
	defer span.End()

	f, err := os.Open(e.file(LogFile))
	if err != nil {
		e.fatalf("%s: cannot read experiment log: %v", e.path, err)
		return false
	}
	defer f.Close()

	err = logxml.Parse(ctx, f, &logHandler{e: e, file: LogFile})
	var verr *logxml.VersionError
	switch {
	case err == nil:
	case errors.As(err, &verr):
		e.fatalf("%s: %v", e.path, verr)
		return false
	case errors.Is(err, logxml.ErrTruncated):
		e.warnings.Appendf(emsg.Warning, "%s is truncated; data recorded after the last complete entry is ignored", LogFile)
	default:
		span.RecordError(err)
		e.fatalf("%s: cannot parse experiment log: %v", e.path, err)
		return false
	}
	if e.status == NotOpened {
		e.fatalf("%s: experiment log has no experiment element", e.path)
		return false
	}
	return true
}

// readWarnings reads the collector messages written outside the log.
func (e *Experiment) readWarnings(ctx context.Context) error {
	f, err := os.Open(e.file(WarningsFile))
	if err != nil {
		return err
	}
	defer f.Close()

	err = logxml.Parse(ctx, f, &logHandler{e: e, file: WarningsFile, onlyMessages: true})
	if errors.Is(err, logxml.ErrTruncated) {
		return nil
	}
	return err
}

// readMaps replays the address space changes recorded in map.xml.
func (e *Experiment) readMaps(ctx context.Context) error {
	f, err := os.Open(e.file(MapFile))
	if err != nil {
		return err
	}
	defer f.Close()

	err = logxml.Parse(ctx, f, &logHandler{e: e, file: MapFile})
	if errors.Is(err, logxml.ErrTruncated) {
		return nil
	}
	return err
}
