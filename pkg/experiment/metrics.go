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
	"fmt"
	"strings"

	"github.com/parca-dev/erprof/pkg/emsg"
	"github.com/parca-dev/erprof/pkg/ingest"
)

// registerMetrics defines ratio metrics for counters recorded together.
func (e *Experiment) registerMetrics() {
	have := map[string]bool{}
	for _, c := range e.hwcounters {
		have[c.Name] = true
	}
	if have["insts"] && have["cycles"] {
		e.ictx.Metrics.Register(ingest.DerivedMetric{
			Name:        "IPC",
			Description: "Instructions per cycle",
			Numerator:   "insts",
			Denominator: "cycles",
		})
		e.ictx.Metrics.Register(ingest.DerivedMetric{
			Name:        "CPI",
			Description: "Cycles per instruction",
			Numerator:   "cycles",
			Denominator: "insts",
		})
	}
}

// commentary describes how the experiment was collected.
func (e *Experiment) commentary() {
	if e.process.Exec != "" {
		target := e.process.Exec
		if e.process.Argv != "" {
			target = e.process.Argv
		}
		e.comments.Appendf(emsg.Comment, "Target command (%d-bit): %s", e.process.WordSize, target)
	}
	if e.process.PID != 0 {
		e.comments.Appendf(emsg.Comment, "Process pid %d, ppid %d", e.process.PID, e.process.PPID)
	}
	if e.system.Hostname != "" {
		e.comments.Appendf(emsg.Comment, "Host %s (%s, %s), %d CPUs, clock %d MHz",
			e.system.Hostname, e.system.Arch, e.system.OS, e.system.NCPUs, e.system.ClockMHz)
	}
	if e.collector.Version != "" {
		e.comments.Appendf(emsg.Comment, "Collector version %s, log format %s", e.collector.Version, e.version)
	}

	for _, k := range e.Kinds() {
		switch {
		case k.Name == "CLOCK" && k.Interval > 0:
			e.comments.Appendf(emsg.Comment, "%s, interval = %.3f millisec.", k.UName, float64(k.Interval)/1000)
		case k.Name == "HWC":
			names := make([]string, 0, len(e.hwcounters))
			for _, c := range e.hwcounters {
				names = append(names, fmt.Sprintf("%s (interval %d)", c.Name, c.Interval))
			}
			e.comments.Appendf(emsg.Comment, "%s: %s", k.UName, strings.Join(names, ", "))
		default:
			e.comments.Appendf(emsg.Comment, "%s enabled", k.UName)
		}
	}
	if len(e.pauses) > 0 {
		e.comments.Appendf(emsg.Comment, "Data collection was paused %d time(s)", len(e.pauses))
	}
	if e.signals > 0 {
		e.comments.Appendf(emsg.Comment, "%d signal(s) delivered to the target", e.signals)
	}
}
