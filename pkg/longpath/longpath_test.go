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

package longpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtend(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: `C:\Users\u\AppData`, want: `\\?\C:\Users\u\AppData`},
		{in: `C:/Program Files/WindowsApps/x`, want: `\\?\C:\Program Files\WindowsApps\x`},
		{in: `\\server\share\dir`, want: `\\?\UNC\server\share\dir`},
		{in: `\\?\C:\already`, want: `\\?\C:\already`},
		{in: `\\.\pipe\x`, want: `\\.\pipe\x`},
		{in: `relative\path`, want: `relative\path`},
		{in: `/tmp/x`, want: `/tmp/x`},
		{in: ``, want: ``},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Extend(tt.in))
		})
	}
}
