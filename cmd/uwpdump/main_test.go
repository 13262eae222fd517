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

package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walteh/uwpdump/pkg/discovery"
	"github.com/walteh/uwpdump/pkg/manifest"
)

// childEnv makes the test binary act as uwpdump, so the loopback injector
// can start it as the guest.
const childEnv = "UWPDUMP_TEST_RUN_MAIN"

func TestMain(m *testing.M) {
	if os.Getenv(childEnv) == "1" {
		os.Exit(run(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func TestVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	assert.NotEmpty(t, info.Version)
	assert.Equal(t, uint16(1), info.Protocol)

	out := FormatVersion(info)
	assert.True(t, strings.HasPrefix(out, "🚀 uwpdump version info:"))
	assert.Contains(t, out, "Protocol:  1")
}

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "version", args: []string{"version"}, want: 0},
		{name: "dump without pid", args: []string{"dump", "--package-root", "."}, want: 1},
		{name: "unknown command", args: []string{"frobnicate"}, want: 1},
		{name: "missing config", args: []string{"--config", "does-not-exist.yaml", "version"}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, run(tt.args))
		})
	}
}

func TestDumpLoopback(t *testing.T) {
	t.Setenv(childEnv, "1")

	files := map[string]string{
		"Game.exe":           "MZ game",
		"Assets/empty.bin":   "",
		"Assets/text/en.txt": strings.Repeat("hello ", 1000),
	}
	pkgRoot := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(pkgRoot, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755), "creating parent of %s", rel)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "writing %s", rel)
	}
	localAppData := t.TempDir()
	out := filepath.Join(t.TempDir(), "out")
	family := "Contoso.Game_8wekyb3d8bbwe"

	code := run([]string{"dump",
		"--pid", strconv.Itoa(os.Getpid()),
		"--name", "Game.exe",
		"--package-root", pkgRoot,
		"--family", family,
		"--local-app-data", localAppData,
		"--output", out,
		"--loopback",
	})
	require.Equal(t, 0, code, "dump through a child guest should complete")

	staging := discovery.StagingRoot(localAppData, family)
	for rel, content := range files {
		for _, dir := range []string{staging, out} {
			got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
			require.NoError(t, err, "reading %s under %s", rel, dir)
			assert.Equal(t, content, string(got), "content of %s under %s", rel, dir)
		}
	}

	m, err := manifest.Load(out)
	require.NoError(t, err, "dump should leave a manifest")
	assert.Len(t, m.Files, len(files), "manifest should list every file")
}
