// Copyright 2025 walteh LLC
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

// Package discovery turns a user's target selection into exactly one
// packaged process. Listing processes is left to an Enumerator supplied by
// the caller.
package discovery

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/walteh/uwpdump/pkg/dumperr"
	"gitlab.com/tozd/go/errors"
)

// ErrAmbiguousTarget means a selector matched more than one process.
var ErrAmbiguousTarget = errors.Base("ambiguous target")

// 🎯 Target is one packaged process
type Target struct {
	PID               uint32
	Name              string
	PackageFullName   string
	PackageFamilyName string
	PackageRoot       string
}

func (t Target) String() string {
	if t.PackageFullName != "" {
		return fmt.Sprintf("%s (pid %d, %s)", t.Name, t.PID, t.PackageFullName)
	}
	return fmt.Sprintf("%s (pid %d)", t.Name, t.PID)
}

// Enumerator lists candidate processes.
type Enumerator interface {
	List(ctx context.Context) ([]Target, error)
}

// StaticEnumerator is a fixed candidate list.
type StaticEnumerator []Target

func (s StaticEnumerator) List(ctx context.Context) ([]Target, error) {
	return append([]Target(nil), s...), nil
}

// Selector picks targets. Set fields must all match.
type Selector struct {
	PID     uint32
	Name    string
	Package string
}

// Empty reports whether no field is set.
func (s Selector) Empty() bool {
	return s.PID == 0 && s.Name == "" && s.Package == ""
}

func (s Selector) String() string {
	var parts []string
	if s.PID != 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", s.PID))
	}
	if s.Name != "" {
		parts = append(parts, "name="+s.Name)
	}
	if s.Package != "" {
		parts = append(parts, "package="+s.Package)
	}
	return strings.Join(parts, " ")
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func (s Selector) matches(t Target) bool {
	if s.PID != 0 && t.PID != s.PID {
		return false
	}
	if s.Name != "" && !containsFold(t.Name, s.Name) {
		return false
	}
	if s.Package != "" && !containsFold(t.PackageFullName, s.Package) && !containsFold(t.PackageFamilyName, s.Package) {
		return false
	}
	return true
}

func (s Selector) exact(t Target) bool {
	return (s.Name == "" || strings.EqualFold(t.Name, s.Name)) &&
		(s.Package == "" || strings.EqualFold(t.PackageFullName, s.Package) || strings.EqualFold(t.PackageFamilyName, s.Package))
}

// AmbiguousError lists every candidate a selector matched.
type AmbiguousError struct {
	Selector   Selector
	Candidates []Target
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("%s matches %d processes", e.Selector, len(e.Candidates))
}

func (e *AmbiguousError) Unwrap() error { return ErrAmbiguousTarget }

// Resolve returns the single target sel selects. Name and package match
// case-insensitively as substrings; when several match, a single exact match
// wins.
func Resolve(ctx context.Context, e Enumerator, sel Selector) (Target, error) {
	if sel.Empty() {
		return Target{}, errors.New("resolving target: no pid, name or package given")
	}
	all, err := e.List(ctx)
	if err != nil {
		return Target{}, errors.Errorf("listing processes: %w", err)
	}

	var matched []Target
	for _, t := range all {
		if sel.matches(t) {
			matched = append(matched, t)
		}
	}

	switch len(matched) {
	case 0:
		return Target{}, dumperr.New(dumperr.ErrProcessNotFound, "resolve", errors.Errorf("nothing matches %s", sel))
	case 1:
		return matched[0], nil
	}

	var exact []Target
	for _, t := range matched {
		if sel.exact(t) {
			exact = append(exact, t)
		}
	}
	if len(exact) == 1 {
		return exact[0], nil
	}
	return Target{}, &AmbiguousError{Selector: sel, Candidates: matched}
}

// StagingRoot returns the sandbox-writable directory files are staged in.
func StagingRoot(localAppData, familyName string) string {
	return filepath.Join(localAppData, "Packages", familyName, "AC", "TempState", "DUMP")
}

// FamilyName derives a package family name from a full name of the form
// Name_Version_Arch_ResourceId_PublisherId.
func FamilyName(fullName string) (string, bool) {
	parts := strings.Split(fullName, "_")
	if len(parts) != 5 || parts[0] == "" || parts[4] == "" {
		return "", false
	}
	return parts[0] + "_" + parts[4], true
}
