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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/exp/mmap"
)

const defaultWindowSize = 1 << 20

// Window gives sequential access to a possibly very large data file through
// a bounded buffer.
type Window struct {
	name   string
	r      io.ReaderAt
	size   int64
	order  binary.ByteOrder
	closer io.Closer

	buf  []byte
	base int64
	n    int
}

// NewWindow reads from r, which holds size bytes.
func NewWindow(name string, r io.ReaderAt, size int64, order binary.ByteOrder) *Window {
	return &Window{
		name:  name,
		r:     r,
		size:  size,
		order: order,
		buf:   make([]byte, defaultWindowSize),
	}
}

// OpenWindow opens a data file. Plain files are memory mapped; if only a
// zstd compressed copy named path+".zst" exists it is decompressed into
// memory. The returned error wraps os.ErrNotExist when neither exists.
func OpenWindow(path string, order binary.ByteOrder) (*Window, error) {
	if _, err := os.Stat(path); err == nil {
		f, err := mmap.Open(path)
		if err != nil {
			return nil, fmt.Errorf("mmap %s: %w", path, err)
		}
		w := NewWindow(path, f, int64(f.Len()), order)
		w.closer = f
		return w, nil
	}

	compressed, err := os.ReadFile(path + ".zst")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", path, os.ErrNotExist)
		}
		return nil, fmt.Errorf("read %s.zst: %w", path, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s.zst: %w", path, err)
	}
	return NewWindow(path, bytes.NewReader(data), int64(len(data)), order), nil
}

// Name returns the file name the window reads.
func (w *Window) Name() string { return w.name }

// Size returns the file size.
func (w *Window) Size() int64 { return w.size }

// Order returns the byte order records are decoded with.
func (w *Window) Order() binary.ByteOrder { return w.order }

// Close releases the underlying file.
func (w *Window) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}

// Bind returns n bytes at off. The slice is only valid until the next call.
func (w *Window) Bind(off int64, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+int64(n) > w.size {
		return nil, io.ErrUnexpectedEOF
	}
	if off >= w.base && off+int64(n) <= w.base+int64(w.n) {
		start := off - w.base
		return w.buf[start : start+int64(n)], nil
	}

	if n > len(w.buf) {
		w.buf = make([]byte, n)
	}
	m := len(w.buf)
	if rem := w.size - off; int64(m) > rem {
		m = int(rem)
	}
	read, err := w.r.ReadAt(w.buf[:m], off)
	if read < n {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		w.n = 0
		return nil, err
	}
	w.base, w.n = off, read
	return w.buf[:n], nil
}
