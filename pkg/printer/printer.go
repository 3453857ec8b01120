// Copyright 2024 The TCMalloc Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package printer provides the sinks diagnostic statistics are
// written to: a printf-style text printer and a nested pbtxt region
// emitter. Both are advisory; write errors are ignored.
package printer

import (
	"fmt"
	"io"
	"strings"
)

// Printer writes printf-formatted statistics text.
type Printer struct {
	w io.Writer
}

// New returns a Printer writing to w.
func New(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Printf formats and writes one statistics fragment.
func (p *Printer) Printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

// PbtxtRegion emits a text-proto region of key/value fields and
// nested sub-regions.
type PbtxtRegion struct {
	w     io.Writer
	depth int
}

// NewPbtxtRegion returns a top-level region writing to w.
func NewPbtxtRegion(w io.Writer) *PbtxtRegion {
	return &PbtxtRegion{w: w}
}

// PrintI64 emits an integer field.
func (r *PbtxtRegion) PrintI64(key string, value int64) {
	fmt.Fprintf(r.w, "%s%s: %d\n", r.pad(), key, value)
}

// PrintBool emits a boolean field.
func (r *PbtxtRegion) PrintBool(key string, value bool) {
	fmt.Fprintf(r.w, "%s%s: %t\n", r.pad(), key, value)
}

// PrintRaw emits a string field.
func (r *PbtxtRegion) PrintRaw(key string, value string) {
	fmt.Fprintf(r.w, "%s%s: %q\n", r.pad(), key, value)
}

// SubRegion emits a nested region named key, invoking fn to fill it.
func (r *PbtxtRegion) SubRegion(key string, fn func(*PbtxtRegion)) {
	fmt.Fprintf(r.w, "%s%s {\n", r.pad(), key)
	fn(&PbtxtRegion{w: r.w, depth: r.depth + 1})
	fmt.Fprintf(r.w, "%s}\n", r.pad())
}

func (r *PbtxtRegion) pad() string {
	return strings.Repeat("  ", r.depth)
}
