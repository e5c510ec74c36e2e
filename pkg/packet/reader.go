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
	"context"
	"errors"
	"fmt"

	"github.com/parca-dev/erprof/pkg/ingest"
)

const (
	DefaultChunkSize        = 64 * 1024
	DefaultProgressInterval = 100 * 1024
)

// Handler consumes records. Returning ErrInvalidPacket (or an error wrapping
// it) counts the record as invalid; any other error aborts the read.
type Handler interface {
	Packet(h Header, rec Record) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(h Header, rec Record) error

func (f HandlerFunc) Packet(h Header, rec Record) error { return f(h, rec) }

// Mux dispatches records by type. Records of types without a handler are
// passed to the fallback, or ignored if there is none.
type Mux struct {
	handlers map[Type]Handler
	fallback Handler
}

func NewMux() *Mux {
	return &Mux{handlers: map[Type]Handler{}}
}

// Handle registers h for records of type t, replacing any earlier handler.
func (m *Mux) Handle(t Type, h Handler) {
	m.handlers[t] = h
}

func (m *Mux) HandleFunc(t Type, f func(Header, Record) error) {
	m.Handle(t, HandlerFunc(f))
}

// Fallback sets the handler for types without their own.
func (m *Mux) Fallback(h Handler) {
	m.fallback = h
}

func (m *Mux) Packet(h Header, rec Record) error {
	if hh, ok := m.handlers[h.Type]; ok {
		return hh.Packet(h, rec)
	}
	if m.fallback != nil {
		return m.fallback.Packet(h, rec)
	}
	return nil
}

// Stats summarizes one file read.
type Stats struct {
	Packets int
	Invalid int
	Bytes   int64
	ByType  map[Type]int
}

// Reader walks the records of a data file.
type Reader struct {
	chunkSize        int64
	progressInterval int64
	ictx             *ingest.Context
}

type ReaderOption func(*Reader)

// WithChunkSize sets the boundary the reader resynchronizes on after an
// invalid record header.
func WithChunkSize(n int64) ReaderOption {
	return func(r *Reader) { r.chunkSize = n }
}

func WithProgressInterval(n int64) ReaderOption {
	return func(r *Reader) { r.progressInterval = n }
}

func NewReader(ictx *ingest.Context, opts ...ReaderOption) *Reader {
	if ictx == nil {
		ictx = ingest.NewContext()
	}
	r := &Reader{
		chunkSize:        DefaultChunkSize,
		progressInterval: DefaultProgressInterval,
		ictx:             ictx,
	}
	for _, o := range opts {
		o(r)
	}
	if r.chunkSize < Alignment {
		r.chunkSize = DefaultChunkSize
	}
	if r.progressInterval <= 0 {
		r.progressInterval = DefaultProgressInterval
	}
	return r
}

// Read consumes every record in w. A header that is misaligned, too small or
// runs past the end of the file skips the rest of the current chunk.
func (r *Reader) Read(ctx context.Context, w *Window, h Handler) (Stats, error) {
	st := Stats{ByType: map[Type]int{}}
	msg := fmt.Sprintf("Loading: %s", w.Name())
	size := w.Size()
	nextReport := r.progressInterval

	r.ictx.Progress.Report(0, msg)
	var off int64
	for off < size {
		if off >= nextReport {
			if err := ctx.Err(); err != nil {
				return st, err
			}
			r.ictx.Progress.Report(int(off*100/size), msg)
			nextReport = off + r.progressInterval
		}

		hb, err := w.Bind(off, HeaderSize)
		if err != nil {
			// Trailing bytes too short for a header.
			st.Invalid++
			break
		}
		tsize := int(w.Order().Uint16(hb))
		typ := Type(w.Order().Uint16(hb[2:]))
		if tsize < HeaderSize || tsize%Alignment != 0 || off+int64(tsize) > size {
			st.Invalid++
			off = (off/r.chunkSize + 1) * r.chunkSize
			continue
		}

		b, err := w.Bind(off, tsize)
		if err != nil {
			return st, fmt.Errorf("read %s at %d: %w", w.Name(), off, err)
		}
		hdr := Header{Offset: off, Size: tsize, Type: typ}
		off += int64(tsize)
		st.Bytes += int64(tsize)

		if typ == TypeEmpty {
			continue
		}
		if err := h.Packet(hdr, NewRecord(w.Order(), b)); err != nil {
			if errors.Is(err, ErrInvalidPacket) {
				st.Invalid++
				continue
			}
			return st, fmt.Errorf("%s at %d: %w", w.Name(), hdr.Offset, err)
		}
		st.Packets++
		st.ByType[typ]++
	}
	r.ictx.Progress.Report(100, msg)

	for t, n := range st.ByType {
		r.ictx.Stats.Packets.WithLabelValues(t.String()).Add(float64(n))
	}
	r.ictx.Stats.InvalidPackets.Add(float64(st.Invalid))
	r.ictx.Stats.Bytes.Add(float64(st.Bytes))
	return st, nil
}
