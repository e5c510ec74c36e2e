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

// Package archive indexes the copies of load objects a collector stores in
// the archives directory of an experiment.
package archive

import (
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Dir is the archive directory inside an experiment.
const Dir = "archives"

var crcTable = crc64.MakeTable(crc64.ECMA)

// Name returns the file name the copy of the object at path is stored
// under: its base name followed by the CRC-64 of the full path.
func Name(path string) string {
	return fmt.Sprintf("%s_%016x", filepath.Base(path), crc64.Checksum([]byte(path), crcTable))
}

// Index maps archive names to archived files.
type Index struct {
	dir   string
	files map[string]string
}

// Open lists dir. A missing directory yields an empty index.
func Open(dir string) (*Index, error) {
	x := &Index{dir: dir, files: map[string]string{}}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return x, nil
		}
		return nil, fmt.Errorf("read archive directory: %w", err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			x.files[e.Name()] = filepath.Join(dir, e.Name())
		}
	}
	return x, nil
}

// Lookup returns the archived copy of the object originally at path.
func (x *Index) Lookup(path string) (string, bool) {
	f, ok := x.files[Name(path)]
	return f, ok
}

func (x *Index) Len() int { return len(x.files) }

// Names returns the archived file names in order.
func (x *Index) Names() []string {
	names := make([]string, 0, len(x.files))
	for n := range x.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Checksum returns the xxhash of a file's contents.
func Checksum(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("failed to hash archived file: %w", err)
	}
	return h.Sum64(), nil
}
