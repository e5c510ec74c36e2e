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

package experiment

import (
	"strings"

	"github.com/parca-dev/erprof/pkg/packet"
)

// Collector describes the collector that wrote the experiment. Settings are
// the attributes of every setting element, last one wins.
type Collector struct {
	Version  string
	Settings map[string]string
}

// Enabled reports whether a setting is switched on.
func (c Collector) Enabled(name string) bool {
	switch strings.ToLower(c.Settings[name]) {
	case "on", "yes", "true", "1":
		return true
	}
	return false
}

type Process struct {
	PID  int64
	PPID int64
	PGRP int64
	SID  int64
	Cwd  string
	Exec string
	Argv string

	// WordSize is 32 or 64.
	WordSize int64
}

type System struct {
	Hostname string
	Arch     string
	OS       string
	PageSize int64
	NCPUs    int64
	ClockMHz int64
	Endian   string
}

// DataKind is one kind of recorded event, such as clock profiling or heap
// tracing, and the file its records are written to.
type DataKind struct {
	Name  string
	UName string
	File  string

	// Interval is the sampling interval in the unit the collector reports.
	Interval int64
	Layouts  []packet.Layout
}

type HWCounter struct {
	Name     string
	UName    string
	Interval int64
	Metric   string
}

// MicroState names a value of the MSTATE property.
type MicroState struct {
	Value int64
	Name  string
	UName string
}

// Lifetime is the span a thread or LWP existed in.
type Lifetime struct {
	ID    uint64
	Name  string
	Start int64
	End   int64
}

type Interval struct {
	Start int64
	End   int64
}

// Descendant is a process the target created while being recorded.
type Descendant struct {
	Kind    string
	PID     int64
	Lineage string
	Time    int64
}

// Sample is a period between two sample points. Usage holds the total time
// spent in each microstate during the period.
type Sample struct {
	Number int64
	Start  int64
	End    int64
	Label  string
	Usage  []uint64
}

// Label names a time range of the experiment.
type Label struct {
	Name    string
	Start   int64
	Stop    int64
	Comment string
}
