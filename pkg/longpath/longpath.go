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

// Package longpath makes file paths safe for APIs with a short path limit.
package longpath

import "strings"

const (
	prefix    = `\\?\`
	uncPrefix = `\\?\UNC\`
)

// Extend returns an absolute Windows path in extended-length form. Paths
// already carrying the prefix and relative paths are returned unchanged.
func Extend(abs string) string {
	switch {
	case strings.HasPrefix(abs, prefix), strings.HasPrefix(abs, `\\.\`):
		return abs
	case strings.HasPrefix(abs, `\\`):
		return uncPrefix + strings.TrimPrefix(abs, `\\`)
	case len(abs) >= 3 && abs[1] == ':' && (abs[2] == '\\' || abs[2] == '/'):
		return prefix + strings.ReplaceAll(abs, "/", `\`)
	default:
		return abs
	}
}
