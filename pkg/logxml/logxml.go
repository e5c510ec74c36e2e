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

// Package logxml parses the descriptive XML log of an experiment in a single
// pass, reporting each recognized element to a Handler without building a
// document tree.
package logxml

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"
)

// State is the element the parser is currently in.
type State int

const (
	StateNone State = iota
	StateExperiment
	StateCollector
	StateSetting
	StateProcess
	StateSystem
	StateEvent
	StateProfile
	StateDataPtr
	StateProfData
	StateProfPckt
	StateField
	StateState
	StateHWCounter
	StateUnknown
)

var stateNames = map[State]string{
	StateNone:       "none",
	StateExperiment: "experiment",
	StateCollector:  "collector",
	StateSetting:    "setting",
	StateProcess:    "process",
	StateSystem:     "system",
	StateEvent:      "event",
	StateProfile:    "profile",
	StateDataPtr:    "dataptr",
	StateProfData:   "profdata",
	StateProfPckt:   "profpckt",
	StateField:      "field",
	StateState:      "state",
	StateHWCounter:  "hwcounter",
	StateUnknown:    "unknown",
}

func (s State) String() string { return stateNames[s] }

// parents lists where each element may appear. Anything else is unknown and
// skipped together with its subtree.
var parents = map[string][]State{
	"experiment": {StateNone},
	"collector":  {StateExperiment},
	"setting":    {StateExperiment, StateCollector},
	"process":    {StateExperiment},
	"system":     {StateExperiment},
	"event":      {StateExperiment},
	"profile":    {StateExperiment, StateCollector},
	"dataptr":    {StateExperiment, StateProfile},
	"profdata":   {StateProfile},
	"profpckt":   {StateProfile},
	"field":      {StateProfPckt},
	"state":      {StateProfile},
	"hwcounter":  {StateProfile, StateExperiment},
}

func stateOf(name string, parent State) State {
	for _, p := range parents[name] {
		if p == parent {
			for s, n := range stateNames {
				if n == name {
					return s
				}
			}
		}
	}
	return StateUnknown
}

// Handler receives recognized elements. End is called with the text content
// accumulated inside the element, which only events carry.
type Handler interface {
	Start(s State, attrs Attrs) error
	End(s State, attrs Attrs, text string) error
}

// SupportedMajor is the only log format major version understood.
const SupportedMajor = 12

// VersionError is returned for logs written in an unsupported format.
type VersionError struct {
	Version string
}

func (e *VersionError) Error() string {
	if e.Version == "" {
		return "experiment log has no version"
	}
	return fmt.Sprintf("experiment log version %s is not supported, expected %d.x", e.Version, SupportedMajor)
}

// ErrTruncated is returned when the log ends inside an element, as happens
// when the target process did not terminate cleanly.
var ErrTruncated = errors.New("experiment log is truncated")

func checkVersion(v string) error {
	major, _, _ := strings.Cut(v, ".")
	n, err := strconv.Atoi(major)
	if err != nil || n != SupportedMajor {
		return &VersionError{Version: v}
	}
	return nil
}

type frame struct {
	state State
	attrs Attrs
	text  strings.Builder
}

// Parse reads the log from r. Errors returned by the handler stop parsing
// and are returned unchanged.
func Parse(ctx context.Context, r io.Reader, h Handler) error {
	d := xml.NewDecoder(r)
	d.CharsetReader = charset.NewReaderLabel

	var stack []*frame
	top := func() State {
		if len(stack) == 0 {
			return StateNone
		}
		return stack[len(stack)-1].state
	}
	// Depth of an unknown subtree being skipped.
	skip := 0

	for n := 0; ; n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		tok, err := d.Token()
		if err == io.EOF {
			if len(stack) > 0 {
				return ErrTruncated
			}
			return nil
		}
		if err != nil {
			var serr *xml.SyntaxError
			if errors.As(err, &serr) && strings.Contains(serr.Msg, "unexpected EOF") {
				return ErrTruncated
			}
			return fmt.Errorf("parse log: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if skip > 0 {
				skip++
				continue
			}
			s := stateOf(t.Name.Local, top())
			if s == StateUnknown {
				skip = 1
				continue
			}
			f := &frame{state: s, attrs: Attrs(t.Attr)}
			if s == StateExperiment {
				if err := checkVersion(f.attrs.String("version")); err != nil {
					return err
				}
			}
			stack = append(stack, f)
			if err := h.Start(s, f.attrs); err != nil {
				return err
			}
		case xml.EndElement:
			if skip > 0 {
				skip--
				continue
			}
			if len(stack) == 0 {
				continue
			}
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if err := h.End(f.state, f.attrs, strings.TrimSpace(f.text.String())); err != nil {
				return err
			}
		case xml.CharData:
			if skip == 0 && len(stack) > 0 && top() == StateEvent {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}
}

// Attrs are the attributes of one element.
type Attrs []xml.Attr

// Lookup returns the value of the named attribute.
func (a Attrs) Lookup(name string) (string, bool) {
	for _, at := range a {
		if at.Name.Local == name {
			return at.Value, true
		}
	}
	return "", false
}

// String returns the named attribute or "".
func (a Attrs) String(name string) string {
	v, _ := a.Lookup(name)
	return v
}

// ErrMissing is wrapped by the typed accessors for absent attributes.
var ErrMissing = errors.New("missing attribute")

// Int64 parses a decimal, or 0x-prefixed hexadecimal, integer.
func (a Attrs) Int64(name string) (int64, error) {
	v, ok := a.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, ErrMissing)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %w", name, err)
	}
	return n, nil
}

// Uint64 parses a decimal, or 0x-prefixed hexadecimal, unsigned integer.
func (a Attrs) Uint64(name string) (uint64, error) {
	v, ok := a.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, ErrMissing)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %w", name, err)
	}
	return n, nil
}

// Bool reports whether the attribute is "on", "yes", "true" or "1".
func (a Attrs) Bool(name string) bool {
	switch strings.ToLower(a.String(name)) {
	case "on", "yes", "true", "1":
		return true
	}
	return false
}

// Timestamp parses a "sec.nsec" time into nanoseconds.
func (a Attrs) Timestamp(name string) (int64, error) {
	v, ok := a.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, ErrMissing)
	}
	return ParseTimestamp(v)
}

// ParseTimestamp parses a decimal number of seconds with up to nine
// fractional digits into nanoseconds.
func ParseTimestamp(v string) (int64, error) {
	secs, nsecs, _ := strings.Cut(strings.TrimSpace(v), ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("timestamp %q: %w", v, err)
	}
	var ns int64
	if nsecs != "" {
		if len(nsecs) > 9 {
			return 0, fmt.Errorf("timestamp %q: bad nanoseconds", v)
		}
		if nsecs[0] == '+' || nsecs[0] == '-' {
			return 0, fmt.Errorf("timestamp %q: bad nanoseconds", v)
		}
		ns, err = strconv.ParseInt(nsecs+strings.Repeat("0", 9-len(nsecs)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("timestamp %q: bad nanoseconds", v)
		}
	}
	// The fraction carries the sign of the seconds, "-0.5" included.
	if strings.HasPrefix(secs, "-") {
		return s*1e9 - ns, nil
	}
	return s*1e9 + ns, nil
}
