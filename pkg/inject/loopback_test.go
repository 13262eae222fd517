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

package inject

import (
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shell(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("loopback shell test needs a posix shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not found")
	}
	return sh
}

func TestLoopbackExits(t *testing.T) {
	l := &Loopback{Executable: shell(t), Args: []string{"-c", "sleep 0.1", "sh"}}

	h, err := l.Inject(testContext(t), 77, "")
	require.NoError(t, err)
	assert.Equal(t, uint32(77), h.PID)
	assert.True(t, h.Alive(), "child should be running")

	start := time.Now()
	require.NoError(t, h.Release())
	assert.Less(t, time.Since(start), DefaultExitGrace, "a child that exits by itself should not be killed")
	assert.False(t, h.Alive())
	require.NoError(t, h.Release())
}

func TestLoopbackKillsAfterGrace(t *testing.T) {
	l := &Loopback{Executable: shell(t), Args: []string{"-c", "sleep 30", "sh"}, ExitGrace: 50 * time.Millisecond}

	h, err := l.Inject(testContext(t), 78, "")
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, h.Release())
	assert.Less(t, time.Since(start), 5*time.Second, "release should kill a lingering child")
	assert.False(t, h.Alive())
}

func TestLoopbackPassesRegion(t *testing.T) {
	l := &Loopback{
		Executable: shell(t),
		Args:       []string{"-c", `test "$1" = --region && test "$2" = custom-5 && test "$4" = 5`, "sh"},
		RegionName: func(pid uint32) string { return "custom-5" },
	}

	h, err := l.Inject(testContext(t), 5, "")
	require.NoError(t, err)
	require.NoError(t, h.Release())

	child := h.lc.(*childProcess)
	assert.NoError(t, child.waitErr, "child should see the region and pid flags")
}

func TestLoopbackMissingExecutable(t *testing.T) {
	l := &Loopback{Executable: "/nonexistent/uwpdump"}
	_, err := l.Inject(testContext(t), 1, "")
	require.Error(t, err)
}
