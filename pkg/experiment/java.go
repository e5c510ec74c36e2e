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
	"context"
	"fmt"

	"github.com/parca-dev/erprof/pkg/callstack"
	"github.com/parca-dev/erprof/pkg/demangle"
	"github.com/parca-dev/erprof/pkg/packet"
	"github.com/parca-dev/erprof/pkg/prbtree"
)

// JClass is a class the JVM loaded.
type JClass struct {
	ID     uint64
	Name   string
	Loaded int64
}

// JMethod is a method of a loaded class.
type JMethod struct {
	ID        uint64
	Class     *JClass
	Name      string
	Signature string
	Loaded    int64
}

// FullName returns the method name qualified with its class in source form.
func (m *JMethod) FullName() string {
	if m.Class == nil {
		return m.Name
	}
	return demangle.JavaMethod(m.Class.Name, m.Name)
}

func (e *Experiment) readJClasses(ctx context.Context) error {
	mux := packet.NewMux()
	mux.HandleFunc(packet.TypeJClass, func(_ packet.Header, rec packet.Record) error {
		c, err := packet.DecodeClassLoad(rec)
		if err != nil {
			return err
		}
		e.classes[c.ClassID] = &JClass{ID: c.ClassID, Name: c.Name, Loaded: c.Timestamp}
		return nil
	})
	mux.HandleFunc(packet.TypeJMethod, func(_ packet.Header, rec packet.Record) error {
		m, err := packet.DecodeMethodLoad(rec)
		if err != nil {
			return err
		}
		e.addMethod(&JMethod{
			ID:        m.MethodID,
			Class:     e.classes[m.ClassID],
			Name:      m.Name,
			Signature: m.Signature,
			Loaded:    m.Timestamp,
		})
		return nil
	})
	_, err := e.readPackets(ctx, JClassesFile, mux)
	return err
}

func (e *Experiment) addMethod(m *JMethod) {
	ts := m.Loaded
	if ts < e.methodTime {
		ts = e.methodTime
	}
	e.methodTime = ts
	e.methods.Insert(m.ID, ts, m)
}

// Method returns the Java method with the given id as known at ts.
func (e *Experiment) Method(id uint64, ts int64) (*JMethod, bool) {
	if m, ok := e.methods.LocateExact(id, ts); ok {
		return m, true
	}
	// Samples may be taken just before the method load is recorded.
	return e.methods.LocateExact(id, prbtree.MaxTime)
}

func (e *Experiment) javaFrame(methodID, bci uint64, ts int64) callstack.Frame {
	m, ok := e.Method(methodID, ts)
	if !ok {
		return callstack.Frame{
			Kind:     callstack.KindJava,
			Function: fmt.Sprintf("<unknown method 0x%x>", methodID),
			Offset:   bci,
		}
	}
	f := callstack.Frame{Kind: callstack.KindJava, Function: m.FullName(), Offset: bci}
	if m.Class != nil {
		f.Object = demangle.JavaClass(m.Class.Name)
	}
	return f
}
