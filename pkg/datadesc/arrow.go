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

package datadesc

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/zeebo/xxh3"
)

func arrowType(t Type) arrow.DataType {
	switch t {
	case TypeInt32:
		return arrow.PrimitiveTypes.Int32
	case TypeUint32:
		return arrow.PrimitiveTypes.Uint32
	case TypeInt64:
		return arrow.PrimitiveTypes.Int64
	case TypeUint64:
		return arrow.PrimitiveTypes.Uint64
	case TypeDouble:
		return arrow.PrimitiveTypes.Float64
	case TypeDate:
		return arrow.FixedWidthTypes.Timestamp_ns
	}
	return arrow.BinaryTypes.String
}

// Schema returns the Arrow schema of the table, one field per property.
func (d *Descriptor) Schema() *arrow.Schema {
	fields := make([]arrow.Field, 0, len(d.order))
	for _, id := range d.order {
		p := d.cols[id].prop
		fields = append(fields, arrow.Field{
			Name:     p.Name,
			Type:     arrowType(p.Type),
			Metadata: arrow.NewMetadata([]string{"uname"}, []string{p.UName}),
		})
	}
	md := arrow.NewMetadata([]string{"name", "uname"}, []string{d.name, d.uname})
	return arrow.NewSchema(fields, &md)
}

// Record copies the table into an Arrow record. The caller must release it.
func (d *Descriptor) Record(mem memory.Allocator) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, d.Schema())
	defer b.Release()

	for i, id := range d.order {
		c := d.cols[id]
		switch fb := b.Field(i).(type) {
		case *array.Int32Builder:
			for _, v := range c.ints {
				fb.Append(int32(v))
			}
		case *array.Uint32Builder:
			for _, v := range c.ints {
				fb.Append(uint32(v))
			}
		case *array.Int64Builder:
			fb.AppendValues(c.ints, nil)
		case *array.Uint64Builder:
			for _, v := range c.ints {
				fb.Append(uint64(v))
			}
		case *array.Float64Builder:
			fb.AppendValues(c.doubles, nil)
		case *array.TimestampBuilder:
			for _, v := range c.ints {
				fb.Append(arrow.Timestamp(v))
			}
		case *array.StringBuilder:
			for row := 0; row < d.size; row++ {
				fb.Append(d.GetString(id, row))
			}
		default:
			return nil, fmt.Errorf("unsupported column builder %T for %s", fb, c.prop.Name)
		}
	}
	return b.NewRecord(), nil
}

// Digest returns a hash of the column layout and every value. Two tables
// with the same digest hold the same data.
func (d *Descriptor) Digest() uint64 {
	h := xxh3.New()
	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}

	put(uint64(d.size))
	for _, id := range d.order {
		c := d.cols[id]
		_, _ = h.WriteString(c.prop.Name)
		put(uint64(c.prop.Type))
		for _, v := range c.ints {
			put(uint64(v))
		}
		for _, v := range c.doubles {
			put(math.Float64bits(v))
		}
		for _, v := range c.strings {
			put(uint64(len(v)))
			_, _ = h.WriteString(v)
		}
		for _, v := range c.objects {
			_, _ = h.WriteString(fmt.Sprint(v))
		}
	}
	return h.Sum64()
}
