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

package copyengine

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walteh/uwpdump/pkg/dumperr"
	"github.com/zeebo/blake3"
)

func testContext(t *testing.T) context.Context {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	return logger.WithContext(context.Background())
}

func stage(t *testing.T, files map[string][]byte) (string, []string) {
	t.Helper()
	root := t.TempDir()
	var rels []string
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, content, 0o644))
		rels = append(rels, rel)
	}
	return root, rels
}

func digestOf(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func assertNoPartials(t *testing.T, root string) {
	t.Helper()
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		assert.False(t, strings.HasSuffix(path, ".partial"), "leftover temp file %s", path)
		return nil
	})
	require.NoError(t, err)
}

func TestCopy(t *testing.T) {
	files := map[string][]byte{
		"a.txt":           []byte("0123456789"),
		"Assets/empty":    {},
		"Assets/big/blob": bytes.Repeat([]byte{7}, 2097152),
	}
	for i := 0; i < 30; i++ {
		files[fmt.Sprintf("many/f%02d", i)] = []byte(strings.Repeat("x", i))
	}
	src, rels := stage(t, files)
	dst := filepath.Join(t.TempDir(), "out")

	var updates []Update
	res, err := Copy(testContext(t), Plan{SourceRoot: src, DestRoot: dst, Files: rels, Workers: 4}, func(u Update) {
		updates = append(updates, u)
	})
	require.NoError(t, err)

	var wantBytes int64
	for rel, content := range files {
		wantBytes += int64(len(content))
		got, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(rel)))
		require.NoError(t, err, "reading copied %s", rel)
		assert.True(t, bytes.Equal(content, got), "content of %s", rel)
	}
	assert.Equal(t, len(files), res.Copied)
	assert.Equal(t, wantBytes, res.Bytes)
	assert.Empty(t, res.Failed)
	assertNoPartials(t, dst)

	require.Len(t, updates, len(files), "one update per file")
	seen := map[string]bool{}
	for i, u := range updates {
		assert.Equal(t, i+1, u.Done, "updates should count up")
		assert.Equal(t, len(files), u.Total)
		seen[u.Path] = true
	}
	assert.Len(t, seen, len(files), "every file attempted exactly once")
}

func TestCopyFailuresDoNotStopOthers(t *testing.T) {
	src, rels := stage(t, map[string][]byte{"ok1": []byte("1"), "ok2": []byte("2")})
	rels = append(rels, "missing/file")
	dst := t.TempDir()

	res, err := Copy(testContext(t), Plan{SourceRoot: src, DestRoot: dst, Files: rels}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Copied)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "missing/file", res.Failed[0].Path)
	assert.Equal(t, dumperr.ReasonNotFound, res.Failed[0].Reason)
}

func TestCopyVerify(t *testing.T) {
	files := map[string][]byte{"good": []byte("good"), "bad": []byte("bad")}
	src, rels := stage(t, files)
	dst := t.TempDir()

	digests := map[string]string{
		"good": digestOf(files["good"]),
		"bad":  digestOf([]byte("something else")),
	}
	res, err := Copy(testContext(t), Plan{SourceRoot: src, DestRoot: dst, Files: rels, Digests: digests, Verify: true}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Copied)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, Failure{Path: "bad", Reason: ReasonDigestMismatch, Err: res.Failed[0].Err}, res.Failed[0])
	assert.ErrorIs(t, res.Failed[0].Err, ErrDigestMismatch)
	assert.NoFileExists(t, filepath.Join(dst, "bad"), "a mismatched copy is never published")
	assert.FileExists(t, filepath.Join(dst, "good"))
	assertNoPartials(t, dst)
}

func TestCopyWithoutVerifyIgnoresDigests(t *testing.T) {
	src, rels := stage(t, map[string][]byte{"f": []byte("f")})
	res, err := Copy(testContext(t), Plan{SourceRoot: src, DestRoot: t.TempDir(), Files: rels, Digests: map[string]string{"f": "00"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Copied)
}

func TestCopyOverwrites(t *testing.T) {
	src, rels := stage(t, map[string][]byte{"f": []byte("new")})
	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dst, "f"), []byte("old content"), 0o644))

	_, err := Copy(testContext(t), Plan{SourceRoot: src, DestRoot: dst, Files: rels}, nil)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dst, "f"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestCopyCancelled(t *testing.T) {
	files := map[string][]byte{}
	for i := 0; i < 10; i++ {
		files[fmt.Sprintf("f%d", i)] = []byte("x")
	}
	src, rels := stage(t, files)

	ctx, cancel := context.WithCancel(testContext(t))
	cancel()

	res, err := Copy(ctx, Plan{SourceRoot: src, DestRoot: t.TempDir(), Files: rels}, nil)
	require.ErrorIs(t, err, dumperr.ErrCancelled)
	assert.Equal(t, 0, res.Copied)
	require.Len(t, res.Failed, len(files), "every unclaimed file is reported")
	for _, f := range res.Failed {
		assert.Equal(t, dumperr.ReasonCancelled, f.Reason)
	}
	for i := 1; i < len(res.Failed); i++ {
		assert.Less(t, res.Failed[i-1].Path, res.Failed[i].Path, "failures sorted by path")
	}
}

func TestCopyEmptyAndInvalid(t *testing.T) {
	res, err := Copy(testContext(t), Plan{SourceRoot: "a", DestRoot: "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	_, err = Copy(testContext(t), Plan{DestRoot: "b", Files: []string{"x"}}, nil)
	require.Error(t, err)
}

func TestWorkerCount(t *testing.T) {
	cpus := runtime.NumCPU()
	tests := []struct {
		name      string
		requested int
		files     int
		want      int
	}{
		{name: "default uses cpus", requested: 0, files: 10 * cpus, want: cpus},
		{name: "capped by files", requested: 0, files: 1, want: 1},
		{name: "requested below cpus", requested: 1, files: 100, want: 1},
		{name: "requested above cpus", requested: cpus + 8, files: 10 * cpus, want: cpus},
		{name: "no files", requested: 4, files: 0, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WorkerCount(tt.requested, tt.files))
		})
	}
}
