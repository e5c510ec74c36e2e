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

// Package testutil builds experiment directories and packet files for tests.
package testutil

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Common is the prefix of every event record.
type Common struct {
	Thread uint32
	LWP    uint32
	CPU    uint32
	Time   int64
	Frame  uint64
}

// Packets accumulates records in one byte order.
type Packets struct {
	order binary.ByteOrder
	buf   bytes.Buffer
}

func NewPackets(order binary.ByteOrder) *Packets {
	return &Packets{order: order}
}

// Rec is a record under construction. Setters write at fixed offsets and
// grow the record as needed.
type Rec struct {
	p *Packets
	b []byte
}

// Record starts a record of the given type.
func (p *Packets) Record(typ uint16) *Rec {
	r := &Rec{p: p, b: make([]byte, 4)}
	p.order.PutUint16(r.b[2:], typ)
	return r
}

// Event starts an event record with its common prefix filled.
func (p *Packets) Event(typ uint16, c Common) *Rec {
	return p.Record(typ).
		U32(4, c.Thread).
		U32(8, c.LWP).
		U32(12, c.CPU).
		I64(16, c.Time).
		U64(24, c.Frame)
}

func (r *Rec) at(off, n int) []byte {
	if off+n > len(r.b) {
		r.b = append(r.b, make([]byte, off+n-len(r.b))...)
	}
	return r.b[off : off+n]
}

func (r *Rec) U16(off int, v uint16) *Rec { r.p.order.PutUint16(r.at(off, 2), v); return r }

func (r *Rec) U32(off int, v uint32) *Rec { r.p.order.PutUint32(r.at(off, 4), v); return r }

func (r *Rec) I32(off int, v int32) *Rec { return r.U32(off, uint32(v)) }

func (r *Rec) U64(off int, v uint64) *Rec { r.p.order.PutUint64(r.at(off, 8), v); return r }

func (r *Rec) I64(off int, v int64) *Rec { return r.U64(off, uint64(v)) }

// String writes s with a terminating NUL.
func (r *Rec) String(off int, s string) *Rec {
	copy(r.at(off, len(s)+1), s)
	return r
}

// Pad grows the record to at least n bytes.
func (r *Rec) Pad(n int) *Rec {
	if n > len(r.b) {
		r.at(0, n)
	}
	return r
}

// Done aligns the record to 4 bytes, sets its size and appends it.
func (r *Rec) Done() *Packets {
	if rem := len(r.b) % 4; rem != 0 {
		r.at(len(r.b), 4-rem)
	}
	r.p.order.PutUint16(r.b, uint16(len(r.b)))
	r.p.buf.Write(r.b)
	return r.p
}

// FrameInfo is one stack fragment of a frame info packet.
type FrameInfo struct {
	Kind  uint16
	Flags uint16
	UID   uint64
	Link  uint64
	Words []uint64
}

// Frame appends a frame info packet with 64-bit words.
func (p *Packets) Frame(uid uint64, infos ...FrameInfo) *Packets {
	r := p.Record(9).U32(4, 16).U64(8, uid)
	off := 16
	for _, fi := range infos {
		size := 24 + 8*len(fi.Words)
		if fi.Flags&1 != 0 {
			size = 24 + 4*len(fi.Words)
		}
		if rem := size % 4; rem != 0 {
			size += 4 - rem
		}
		r.U32(off, uint32(size)).U16(off+4, fi.Kind).U16(off+6, fi.Flags).U64(off+8, fi.UID).U64(off+16, fi.Link)
		for i, w := range fi.Words {
			if fi.Flags&1 != 0 {
				r.U32(off+24+4*i, uint32(w))
			} else {
				r.U64(off+24+8*i, w)
			}
		}
		r.Pad(off + size)
		off += size
	}
	return r.Done()
}

// UID appends a uid packet with 64-bit words.
func (p *Packets) UID(uid, link uint64, words ...uint64) *Packets {
	r := p.Record(10).U32(4, 0).U64(8, uid).U64(16, link)
	for i, w := range words {
		r.U64(24+8*i, w)
	}
	return r.Done()
}

// Raw appends b unchanged, which may be an invalid record.
func (p *Packets) Raw(b []byte) *Packets {
	p.buf.Write(b)
	return p
}

func (p *Packets) Len() int { return p.buf.Len() }

func (p *Packets) Bytes() []byte { return p.buf.Bytes() }

// Experiment is an experiment directory under a test's temp dir.
type Experiment struct {
	t   testing.TB
	Dir string
}

// NewExperiment creates an empty directory named name, which should end in
// ".er" unless the test wants it rejected.
func NewExperiment(t testing.TB, name string) *Experiment {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return &Experiment{t: t, Dir: dir}
}

// WriteFile writes a file relative to the experiment directory.
func (e *Experiment) WriteFile(name string, data []byte) *Experiment {
	e.t.Helper()
	path := filepath.Join(e.Dir, name)
	require.NoError(e.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(e.t, os.WriteFile(path, data, 0o644))
	return e
}

// Log writes log.xml wrapping body in an experiment element of the given
// version.
func (e *Experiment) Log(version, body string) *Experiment {
	return e.WriteFile("log.xml", []byte(`<?xml version="1.0" encoding="UTF-8"?>
<experiment version="`+version+`">
`+body+`
</experiment>
`))
}
