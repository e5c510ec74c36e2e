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
)

// ClassLoad is a type 11 record of the jclasses file.
type ClassLoad struct {
	ClassID   uint64
	Timestamp int64
	Name      string
}

func DecodeClassLoad(rec Record) (ClassLoad, error) {
	if rec.Len() < 24 {
		return ClassLoad{}, fmt.Errorf("class load of %d bytes: %w", rec.Len(), ErrInvalidPacket)
	}
	name, _ := rec.CString(24)
	return ClassLoad{
		ClassID:   rec.U64(8),
		Timestamp: rec.I64(16),
		Name:      name,
	}, nil
}

// MethodLoad is a type 12 record of the jclasses file. The name may be
// followed by the method signature as a second string.
type MethodLoad struct {
	MethodID  uint64
	ClassID   uint64
	Timestamp int64
	Name      string
	Signature string
}

func DecodeMethodLoad(rec Record) (MethodLoad, error) {
	if rec.Len() < 32 {
		return MethodLoad{}, fmt.Errorf("method load of %d bytes: %w", rec.Len(), ErrInvalidPacket)
	}
	name, next := rec.CString(32)
	sig, _ := rec.CString(next)
	return MethodLoad{
		MethodID:  rec.U64(8),
		ClassID:   rec.U64(16),
		Timestamp: rec.I64(24),
		Name:      name,
		Signature: sig,
	}, nil
}

// Sample is a type 13 record of the overview file: cumulative nanoseconds
// spent in each microstate up to Timestamp.
type Sample struct {
	Number    uint32
	Timestamp int64
	Usage     []uint64
}

func DecodeSample(rec Record) (Sample, error) {
	if rec.Len() < 16 {
		return Sample{}, fmt.Errorf("sample of %d bytes: %w", rec.Len(), ErrInvalidPacket)
	}
	s := Sample{
		Number:    rec.U32(4),
		Timestamp: rec.I64(8),
		Usage:     make([]uint64, (rec.Len()-16)/8),
	}
	for i := range s.Usage {
		s.Usage[i] = rec.U64(16 + i*8)
	}
	return s, nil
}

// LegacyModule is a type 14 record naming a module loaded before maps were
// recorded in map.xml.
type LegacyModule struct {
	Name string
}

func DecodeLegacyModule(rec Record) (LegacyModule, error) {
	if rec.Len() < 12 {
		return LegacyModule{}, fmt.Errorf("module record of %d bytes: %w", rec.Len(), ErrInvalidPacket)
	}
	name, _ := rec.CString(8)
	if name == "" {
		return LegacyModule{}, fmt.Errorf("module record without name: %w", ErrInvalidPacket)
	}
	return LegacyModule{Name: name}, nil
}

// LegacyDynFunc is a type 15 record describing dynamically generated code.
type LegacyDynFunc struct {
	Timestamp int64
	Vaddr     uint64
	Size      uint64
	Name      string
}

func DecodeLegacyDynFunc(rec Record) (LegacyDynFunc, error) {
	if rec.Len() < 32 {
		return LegacyDynFunc{}, fmt.Errorf("dynamic function of %d bytes: %w", rec.Len(), ErrInvalidPacket)
	}
	name, _ := rec.CString(32)
	return LegacyDynFunc{
		Timestamp: rec.I64(8),
		Vaddr:     rec.U64(16),
		Size:      rec.U64(24),
		Name:      name,
	}, nil
}
