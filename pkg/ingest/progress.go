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

package ingest

import (
	"go.uber.org/atomic"
)

// Progress receives the completion percentage of the current reading stage.
// It is called from a single goroutine, never concurrently.
type Progress interface {
	Report(percent int, msg string)
}

// ProgressFunc adapts a function to Progress.
type ProgressFunc func(percent int, msg string)

func (f ProgressFunc) Report(percent int, msg string) { f(percent, msg) }

// NopProgress discards progress.
type NopProgress struct{}

func (NopProgress) Report(int, string) {}

// AtomicProgress keeps the latest report so another goroutine, such as a
// terminal spinner, can poll it.
type AtomicProgress struct {
	percent *atomic.Int64
	msg     *atomic.String
}

func NewAtomicProgress() *AtomicProgress {
	return &AtomicProgress{
		percent: atomic.NewInt64(0),
		msg:     atomic.NewString(""),
	}
}

func (p *AtomicProgress) Report(percent int, msg string) {
	p.msg.Store(msg)
	p.percent.Store(int64(percent))
}

// Load returns the latest report.
func (p *AtomicProgress) Load() (int, string) {
	return int(p.percent.Load()), p.msg.Load()
}
