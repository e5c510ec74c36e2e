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

// Package datadesc holds recorded events as append-only columnar tables, one
// table per kind of event, with typed properties as columns.
package datadesc

import (
	"fmt"
	"strings"
	"sync"
)

// Type is the value type of a property.
type Type int

const (
	TypeNone Type = iota
	TypeInt32
	TypeUint32
	TypeInt64
	TypeUint64
	TypeDouble
	TypeString
	TypeDate
	TypeObject
)

var typeNames = map[Type]string{
	TypeInt32:  "INT32",
	TypeUint32: "UINT32",
	TypeInt64:  "INT64",
	TypeUint64: "UINT64",
	TypeDouble: "DOUBLE",
	TypeString: "STRING",
	TypeDate:   "DATE",
	TypeObject: "OBJECT",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "NONE"
}

// ParseType parses the type names used in experiment logs.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return TypeNone, fmt.Errorf("unknown property type %q", s)
}

func (t Type) integer() bool {
	switch t {
	case TypeInt32, TypeUint32, TypeInt64, TypeUint64, TypeDate:
		return true
	}
	return false
}

// Flags qualify how a property is shown.
type Flags uint8

const (
	// Hidden properties are internal and not meant for display.
	Hidden Flags = 1 << iota
	// Derived properties are computed after ingestion.
	Derived
)

// Property describes one column.
type Property struct {
	ID    int
	Name  string
	UName string
	Type  Type
	Flags Flags
	Unit  string
}

// Registry interns property names to small integer ids. It is shared by all
// tables of an ingestion and safe for concurrent use.
type Registry struct {
	mtx    sync.RWMutex
	byName map[string]int
	props  []Property
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: map[string]int{}}
}

// Register returns the id of name, registering it on first use. The type and
// description of the first registration win.
func (r *Registry) Register(name, uname string, typ Type) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if id, ok := r.byName[name]; ok {
		return id
	}
	id := len(r.props)
	r.props = append(r.props, Property{ID: id, Name: name, UName: uname, Type: typ})
	r.byName[name] = id
	return id
}

// ID returns the id of a registered name.
func (r *Registry) ID(name string) (int, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	id, ok := r.byName[name]
	return id, ok
}

// Property returns the registered property with the given id.
func (r *Registry) Property(id int) (Property, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	if id < 0 || id >= len(r.props) {
		return Property{}, false
	}
	return r.props[id], true
}
