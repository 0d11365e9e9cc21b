/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package command builds the shell command strings injected into the init and
// main containers of a workload. Generation is pure text assembly with no side
// effects; the generated scripts have very real side effects when they run
// in-cluster, so every fragment here is kept small and unit tested.
package command

import (
	"fmt"
	"strings"
)

// Script accumulates shell statements and renders them newline joined under
// a bash shebang. Fragments append statements; nothing here executes anything.
type Script struct {
	lines []string
}

// NewScript returns a script with the standard prologue. The generated
// scripts run under bash because the sentinel protocol needs PIPESTATUS.
func NewScript() *Script {
	return &Script{lines: []string{"#!/bin/bash"}}
}

// Add appends one formatted statement.
func (s *Script) Add(format string, args ...any) *Script {
	s.lines = append(s.lines, fmt.Sprintf(format, args...))
	return s
}

// AddRaw appends statements verbatim.
func (s *Script) AddRaw(lines ...string) *Script {
	s.lines = append(s.lines, lines...)
	return s
}

// BestEffort appends a statement that must never fail the script.
func (s *Script) BestEffort(format string, args ...any) *Script {
	s.lines = append(s.lines, fmt.Sprintf(format, args...)+" || true")
	return s
}

// Render joins the accumulated statements. Calling Render twice yields
// byte-identical output.
func (s *Script) Render() string {
	return strings.Join(s.lines, "\n") + "\n"
}

// Pipeline runs cmd with stdout and stderr teed into logFile and records the
// command's own exit code (not tee's) in the Terminate variable. This is the
// only way a multi-statement pipeline surfaces a single pass/fail signal to
// the Job controller.
func (s *Script) Pipeline(cmd, logFile string) *Script {
	s.lines = append(s.lines,
		fmt.Sprintf("%s 2>&1 | tee -a %s", cmd, logFile),
		`Terminate=${PIPESTATUS[0]}`,
	)
	return s
}

// Sentinel terminates the script with the Terminate check: failure
// bookkeeping and exit 1 when the watched pipeline failed, success
// bookkeeping and exit 0 otherwise. onFail and onSuccess may be empty.
func (s *Script) Sentinel(onFail, onSuccess []string) *Script {
	s.lines = append(s.lines, `if [ "${Terminate:-0}" -ne 0 ]; then`)
	for _, l := range onFail {
		s.lines = append(s.lines, "  "+l)
	}
	s.lines = append(s.lines, "  exit 1", "else")
	for _, l := range onSuccess {
		s.lines = append(s.lines, "  "+l)
	}
	s.lines = append(s.lines, "  exit 0", "fi")
	return s
}

// shQuote single-quotes a string for safe inclusion in generated shell.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
