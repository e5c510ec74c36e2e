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

// Package demangle turns the symbol names found in experiments into the
// names users wrote: C++ and Rust linker names, and JVM class descriptors.
package demangle

import (
	"fmt"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// Demangler demangles GCC/LLVM C++ and Rust symbol names.
type Demangler struct {
	options []demangle.Option
}

var (
	Options = []string{
		"no_params",
		"no_template_params",
		"no_clones",
		"no_rust",
		"verbose",
		"llvm_style",
	}
	optionMappings = map[string]demangle.Option{
		Options[0]: demangle.NoParams,
		Options[1]: demangle.NoTemplateParams,
		Options[2]: demangle.NoClones,
		Options[3]: demangle.NoRust,
		Options[4]: demangle.Verbose,
		Options[5]: demangle.LLVMStyle,
	}
)

// New creates a Demangler from option names.
func New(options ...string) (Demangler, error) {
	res := make([]demangle.Option, 0, len(options))
	for _, s := range options {
		opt, ok := optionMappings[s]
		if !ok {
			return Demangler{}, fmt.Errorf("unknown demangle option %q", s)
		}
		res = append(res, opt)
	}
	return Demangler{options: res}, nil
}

// Default keeps parameter lists, which tell overloads of one function apart.
func Default() Demangler {
	return Demangler{}
}

// Name demangles a symbol, returning it unchanged if it is not mangled.
func (d Demangler) Name(sym string) string {
	return demangle.Filter(sym, d.options...)
}

var primitives = map[byte]string{
	'B': "byte",
	'C': "char",
	'D': "double",
	'F': "float",
	'I': "int",
	'J': "long",
	'S': "short",
	'Z': "boolean",
	'V': "void",
}

// JavaClass converts a JVM type descriptor such as "Ljava/lang/String;" or
// "[I" to its source form. Names that are not descriptors only get their
// slashes replaced.
func JavaClass(desc string) string {
	dims := 0
	for dims < len(desc) && desc[dims] == '[' {
		dims++
	}
	rest := desc[dims:]
	var name string
	switch {
	case len(rest) > 2 && rest[0] == 'L' && rest[len(rest)-1] == ';':
		name = rest[1 : len(rest)-1]
	case len(rest) == 1 && dims > 0 && primitives[rest[0]] != "":
		name = primitives[rest[0]]
	default:
		name = rest
	}
	return strings.ReplaceAll(name, "/", ".") + strings.Repeat("[]", dims)
}

// JavaMethod returns "class.method" for a class descriptor and method name.
func JavaMethod(classDesc, method string) string {
	if classDesc == "" {
		return method
	}
	return JavaClass(classDesc) + "." + method
}
