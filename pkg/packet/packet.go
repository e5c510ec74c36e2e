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

// Package packet decodes the binary records a collector appends to the data
// files of an experiment. Records are self-sized, 4-byte aligned and written
// in the byte order of the recording host.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Type tags a record.
type Type uint16

const (
	TypeEmpty         Type = 0
	TypeProf          Type = 1
	TypeSync          Type = 2
	TypeHWC           Type = 3
	TypeHeap          Type = 4
	TypeIO            Type = 5
	TypeRace          Type = 6
	TypeDeadlock      Type = 7
	TypeOMP           Type = 8
	TypeFrame         Type = 9
	TypeUID           Type = 10
	TypeJClass        Type = 11
	TypeJMethod       Type = 12
	TypeSample        Type = 13
	TypeLegacyModule  Type = 14
	TypeLegacyDynFunc Type = 15

	// TypeUser is the first type a log may describe with a profpckt element.
	TypeUser Type = 32
)

var typeNames = map[Type]string{
	TypeEmpty:         "EMPTY",
	TypeProf:          "CLOCK",
	TypeSync:          "SYNCH",
	TypeHWC:           "HWC",
	TypeHeap:          "HEAP",
	TypeIO:            "IOTRACE",
	TypeRace:          "RACE",
	TypeDeadlock:      "DEADLOCK",
	TypeOMP:           "OMP",
	TypeFrame:         "FRAMEINFO",
	TypeUID:           "UID",
	TypeJClass:        "JCLASS",
	TypeJMethod:       "JMETHOD",
	TypeSample:        "SAMPLE",
	TypeLegacyModule:  "MODULE",
	TypeLegacyDynFunc: "DYNFUNC",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	if t >= TypeUser {
		return fmt.Sprintf("USER%d", t)
	}
	return fmt.Sprintf("TYPE%d", t)
}

// HeaderSize is the size of the tsize/type prefix every record starts with.
const HeaderSize = 4

// Alignment every record size must be a multiple of.
const Alignment = 4

// ErrInvalidPacket is returned by handlers for records that are well framed
// but too short or malformed for their type. The reader counts them and moves
// on to the next record.
var ErrInvalidPacket = errors.New("invalid packet")

// Header locates a record in its file.
type Header struct {
	Offset int64
	Size   int
	Type   Type
}

// Record is the raw bytes of one record, decoded in the recording host's
// byte order. It is only valid until the reader moves on.
type Record struct {
	order binary.ByteOrder
	b     []byte
}

// NewRecord wraps b.
func NewRecord(order binary.ByteOrder, b []byte) Record {
	return Record{order: order, b: b}
}

// Len returns the record size in bytes.
func (r Record) Len() int { return len(r.b) }

// Has reports whether n bytes are available at off.
func (r Record) Has(off, n int) bool { return off >= 0 && off+n <= len(r.b) }

func (r Record) U16(off int) uint16 { return r.order.Uint16(r.b[off:]) }

func (r Record) U32(off int) uint32 { return r.order.Uint32(r.b[off:]) }

func (r Record) U64(off int) uint64 { return r.order.Uint64(r.b[off:]) }

func (r Record) I32(off int) int32 { return int32(r.U32(off)) }

func (r Record) I64(off int) int64 { return int64(r.U64(off)) }

func (r Record) F64(off int) float64 { return math.Float64frombits(r.U64(off)) }

// CString returns the NUL-terminated string at off and the offset just past
// its terminator. An unterminated string runs to the end of the record.
func (r Record) CString(off int) (string, int) {
	if off >= len(r.b) {
		return "", len(r.b)
	}
	for i := off; i < len(r.b); i++ {
		if r.b[i] == 0 {
			return string(r.b[off:i]), i + 1
		}
	}
	return string(r.b[off:]), len(r.b)
}

// Bytes returns the raw record.
func (r Record) Bytes() []byte { return r.b }

// ParseByteOrder maps the endian attribute of an experiment log to a byte
// order. An empty value means little endian.
func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch s {
	case "", "little", "LE":
		return binary.LittleEndian, nil
	case "big", "BE":
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("unknown byte order %q", s)
}
