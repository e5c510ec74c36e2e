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
	"github.com/parca-dev/erprof/pkg/datadesc"
	"github.com/parca-dev/erprof/pkg/emsg"
)

// State returns what an open found as a table of items: the status, the end
// time, every message, sample and thread.
func (e *Experiment) State() *datadesc.Descriptor {
	d := datadesc.New("STATE", "Experiment state", e.ictx.Props)
	item := d.AddProperty("STATE_ITEM", "Item", datadesc.TypeString, datadesc.Hidden)
	value := d.AddProperty("STATE_VALUE", "Value", datadesc.TypeInt64, datadesc.Hidden)
	text := d.AddProperty("STATE_TEXT", "Text", datadesc.TypeString, datadesc.Hidden)

	add := func(name string, v int64, s string) {
		row := d.AddRecord()
		d.SetString(item, row, name)
		d.SetInt(value, row, v)
		d.SetString(text, row, s)
	}

	add("status", int64(e.status), "")
	add("end", e.endTime, "")
	for _, q := range []*emsg.Queue{e.errors, e.warnings, e.comments, e.notes} {
		for _, m := range q.All() {
			add(q.Name(), int64(m.Kind()), m.Text())
		}
	}
	for _, s := range e.samples {
		add("sample", s.End, s.Label)
	}
	for _, t := range e.Threads() {
		add("thread", t.End, t.Name)
	}
	return d
}

// Digest identifies the state of an open. Reopening an experiment nobody
// wrote to in between yields the same digest.
func (e *Experiment) Digest() uint64 {
	return e.State().Digest()
}
