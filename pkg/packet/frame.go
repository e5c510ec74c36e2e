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
	"fmt"

	"github.com/parca-dev/erprof/pkg/uidtable"
)

// InfoKind tells which stack a frame info carries.
type InfoKind uint16

const (
	InfoNative InfoKind = 1
	InfoJava   InfoKind = 2
	InfoOMP    InfoKind = 3
)

func (k InfoKind) String() string {
	switch k {
	case InfoNative:
		return "native"
	case InfoJava:
		return "java"
	case InfoOMP:
		return "omp"
	}
	return fmt.Sprintf("kind%d", uint16(k))
}

// Info flags.
const (
	FlagWords32      uint16 = 1 << 0
	FlagTrailingLink uint16 = 1 << 1
)

const (
	frameHeaderSize = 16
	infoHeaderSize  = 24
	uidHeaderSize   = 24
)

// Info is one stack fragment of a frame info or UID packet. Words are
// widened to 64 bits; for Java stacks they alternate bci and method id.
type Info struct {
	Kind  InfoKind
	Flags uint16
	UID   uint64
	Link  uint64
	Words []uint64

	// Only set for InfoOMP.
	OMPState  uint32
	OMPRegion uint64
}

// Frame is a decoded frame info packet.
type Frame struct {
	UID   uint64
	Infos []Info
}

// DecodeFrame decodes a type 9 record.
func DecodeFrame(rec Record) (Frame, error) {
	if rec.Len() < frameHeaderSize {
		return Frame{}, fmt.Errorf("frame info of %d bytes: %w", rec.Len(), ErrInvalidPacket)
	}
	hsize := int(rec.U32(4))
	if hsize < frameHeaderSize || hsize > rec.Len() {
		return Frame{}, fmt.Errorf("frame info header size %d: %w", hsize, ErrInvalidPacket)
	}
	f := Frame{UID: rec.U64(8)}

	for off := hsize; off < rec.Len(); {
		if !rec.Has(off, infoHeaderSize) {
			return Frame{}, fmt.Errorf("truncated frame info at %d: %w", off, ErrInvalidPacket)
		}
		size := int(rec.U32(off))
		if size < infoHeaderSize || size%Alignment != 0 || !rec.Has(off, size) {
			return Frame{}, fmt.Errorf("frame info entry size %d at %d: %w", size, off, ErrInvalidPacket)
		}
		info := Info{
			Kind:  InfoKind(rec.U16(off + 4)),
			Flags: rec.U16(off + 6),
			UID:   rec.U64(off + 8),
			Link:  rec.U64(off + 16),
		}
		body := off + infoHeaderSize
		if info.Kind == InfoOMP {
			if size < infoHeaderSize+16 {
				return Frame{}, fmt.Errorf("short OpenMP frame info: %w", ErrInvalidPacket)
			}
			info.OMPState = rec.U32(body)
			info.OMPRegion = rec.U64(body + 8)
		} else {
			info.Words, info.Link = decodeWords(rec, body, off+size, info.Flags, info.Link)
		}
		f.Infos = append(f.Infos, info)
		off += size
	}
	return f, nil
}

// DecodeUID decodes a type 10 record. The high half of the flags word holds
// the stack kind, zero meaning native.
func DecodeUID(rec Record) (Info, error) {
	if rec.Len() < uidHeaderSize {
		return Info{}, fmt.Errorf("uid packet of %d bytes: %w", rec.Len(), ErrInvalidPacket)
	}
	flags := rec.U32(4)
	info := Info{
		Kind:  InfoKind(flags >> 16),
		Flags: uint16(flags),
		UID:   rec.U64(8),
		Link:  rec.U64(16),
	}
	if info.Kind == 0 {
		info.Kind = InfoNative
	}
	info.Words, info.Link = decodeWords(rec, uidHeaderSize, rec.Len(), info.Flags, info.Link)
	return info, nil
}

// decodeWords reads the stack words in [start, end). With FlagTrailingLink the
// last word is the link id instead of a frame, split in two 32-bit halves
// when words are 32-bit.
func decodeWords(rec Record, start, end int, flags uint16, link uint64) ([]uint64, uint64) {
	var words []uint64
	if flags&FlagWords32 != 0 {
		n := (end - start) / 4
		if flags&FlagTrailingLink != 0 && n >= 2 {
			lo := uint64(rec.U32(start + (n-2)*4))
			hi := uint64(rec.U32(start + (n-1)*4))
			link = lo | hi<<32
			n -= 2
		}
		words = make([]uint64, n)
		for i := range words {
			words[i] = uidtable.Widen(rec.U32(start + i*4))
		}
		return words, link
	}

	n := (end - start) / 8
	if flags&FlagTrailingLink != 0 && n >= 1 {
		link = rec.U64(start + (n-1)*8)
		n--
	}
	words = make([]uint64, n)
	for i := range words {
		words[i] = rec.U64(start + i*8)
	}
	return words, link
}
