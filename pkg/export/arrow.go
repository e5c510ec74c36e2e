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

package export

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/parca-dev/erprof/pkg/datadesc"
)

// WriteArrow writes d as an Arrow IPC stream of one record batch.
func WriteArrow(w io.Writer, mem memory.Allocator, d *datadesc.Descriptor) error {
	record, err := d.Record(mem)
	if err != nil {
		return fmt.Errorf("build record of %s: %w", d.Name(), err)
	}
	defer record.Release()

	iw := ipc.NewWriter(w,
		ipc.WithSchema(record.Schema()),
		ipc.WithAllocator(mem),
		ipc.WithZstd(),
	)
	if err := iw.Write(record); err != nil {
		iw.Close()
		return fmt.Errorf("write record of %s: %w", d.Name(), err)
	}
	return iw.Close()
}
