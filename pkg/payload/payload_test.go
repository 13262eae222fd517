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

package payload

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walteh/uwpdump/pkg/dumperr"
	"github.com/walteh/uwpdump/pkg/ipc"
	"github.com/walteh/uwpdump/pkg/shm"
	"github.com/walteh/uwpdump/pkg/wire"
	"github.com/zeebo/blake3"
)

const regionName = "uwpdump-payload-test"

type harness struct {
	t      *testing.T
	ns     *shm.Namespace
	region *shm.Region
	host   *ipc.Host
	opts   Options
	done   chan error
	stop   func()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ipcOpts := ipc.Options{Capacity: 64 << 10, StaleAfter: 2 * time.Second}

	ns := shm.NewNamespace()
	region, err := ns.Create(regionName, ipcOpts.RegionSize(), shm.ACLAppContainer)
	require.NoError(t, err, "creating region")
	host, err := ipc.NewHost(region, ipcOpts)
	require.NoError(t, err, "formatting region")

	h := &harness{
		t:      t,
		ns:     ns,
		region: region,
		host:   host,
		done:   make(chan error, 1),
		opts: Options{
			RegionName:        regionName,
			Opener:            ns.Open,
			PID:               99,
			IPC:               ipcOpts,
			HeartbeatInterval: 10 * time.Millisecond,
			PollInterval:      time.Millisecond,
			StartTimeout:      2 * time.Second,
			AckWait:           2 * time.Second,
		},
	}
	h.stop = host.StartHeartbeat(context.Background(), 10*time.Millisecond)
	t.Cleanup(func() {
		h.stop()
		_ = region.Close()
	})
	return h
}

func (h *harness) start() {
	logger := zerolog.New(zerolog.NewTestWriter(h.t))
	ctx := logger.WithContext(context.Background())
	go func() { h.done <- Run(ctx, h.opts) }()
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(10 * time.Second):
		h.t.Fatal("payload did not return")
		return nil
	}
}

// next returns the next event that is not a log line or heartbeat.
func (h *harness) next() wire.Message {
	h.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := h.host.Receive()
		if err == nil {
			switch msg.(type) {
			case wire.Log, wire.Heartbeat:
				continue
			}
			return msg
		}
		require.ErrorIs(h.t, err, dumperr.ErrEmpty, "receiving events")
		time.Sleep(time.Millisecond)
	}
	h.t.Fatal("no event before deadline")
	return nil
}

func (h *harness) send(m wire.Message) {
	h.t.Helper()
	require.NoError(h.t, h.host.Send(context.Background(), m), "sending %s", m.Tag())
}

func (h *harness) handshake() {
	h.t.Helper()
	msg := h.next()
	require.Equal(h.t, wire.Handshake{PID: 99, ProtocolVersion: wire.ProtocolVersion}, msg)
}

// untilDone collects events up to and including DumpCompleted.
func (h *harness) untilDone() []wire.Message {
	h.t.Helper()
	var events []wire.Message
	for {
		msg := h.next()
		events = append(events, msg)
		if _, ok := msg.(wire.DumpCompleted); ok {
			return events
		}
		if f, ok := msg.(wire.Fatal); ok {
			h.t.Fatalf("payload failed: %s: %s", f.Kind, f.Reason)
		}
	}
}

func writeTree(t *testing.T, files map[string][]byte) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "pkg")
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, content, 0o644))
	}
	return root
}

func digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func scenarioFiles() map[string][]byte {
	return map[string][]byte{
		"a.txt":             []byte("0123456789"),
		"Assets/empty.bin":  {},
		"Assets/big/blob.x": bytes.Repeat([]byte{0x5a}, 2097152),
	}
}

type lockedFS struct {
	OSFS
	locked map[string]bool
}

func (f lockedFS) Open(name string) (io.ReadCloser, error) {
	if f.locked[filepath.Base(name)] {
		return nil, dumperr.NewPath(dumperr.ErrFileLocked, "open", name, nil)
	}
	return f.OSFS.Open(name)
}

func summarize(events []wire.Message) (completed map[string]wire.FileCompleted, failed map[string]string, done wire.DumpCompleted) {
	completed = map[string]wire.FileCompleted{}
	failed = map[string]string{}
	for _, ev := range events {
		switch m := ev.(type) {
		case wire.FileCompleted:
			completed[m.Path] = m
		case wire.FileFailed:
			failed[m.Path] = m.Reason
		case wire.DumpCompleted:
			done = m
		}
	}
	return completed, failed, done
}

func TestDumpScenario(t *testing.T) {
	files := scenarioFiles()
	root := writeTree(t, files)
	staging := filepath.Join(t.TempDir(), "TempState", "DUMP")
	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "stale.txt"), []byte("old"), 0o644))

	h := newHarness(t)
	h.start()
	h.handshake()
	h.send(wire.StartDump{PackageRoot: root, StagingRoot: staging})

	events := h.untilDone()
	completed, failed, done := summarize(events)

	assert.Empty(t, failed, "no file should fail")
	assert.Len(t, completed, 3)
	assert.Equal(t, wire.DumpCompleted{TotalFiles: 3, TotalBytes: 2097162, FailureCount: 0, StagingRoot: staging}, done)

	for rel, content := range files {
		got, err := os.ReadFile(filepath.Join(staging, filepath.FromSlash(rel)))
		require.NoError(t, err, "staged %s", rel)
		assert.True(t, bytes.Equal(content, got), "staged %s should match the source", rel)
		assert.Equal(t, digest(content), completed[rel].Digest, "digest of %s", rel)
		assert.Equal(t, int64(len(content)), completed[rel].Bytes)
	}
	assert.NoFileExists(t, filepath.Join(staging, "stale.txt"), "previous dump should be removed")

	h.send(wire.Ack{})
	require.NoError(t, h.wait())
}

func TestDumpEventOrder(t *testing.T) {
	root := writeTree(t, scenarioFiles())
	staging := filepath.Join(t.TempDir(), "DUMP")

	h := newHarness(t)
	h.start()
	h.handshake()
	h.send(wire.StartDump{PackageRoot: root, StagingRoot: staging, ProgressEvery: 1 << 20})

	var order []string
	var progress []int64
	for _, ev := range h.untilDone() {
		switch m := ev.(type) {
		case wire.FileStarted:
			order = append(order, "start "+m.Path)
		case wire.FileCompleted:
			order = append(order, "done "+m.Path)
		case wire.FileProgress:
			progress = append(progress, m.BytesSoFar)
		}
	}

	assert.Equal(t, []string{
		"start Assets/big/blob.x", "done Assets/big/blob.x",
		"start Assets/empty.bin", "done Assets/empty.bin",
		"start a.txt", "done a.txt",
	}, order, "files should be staged one at a time in lexical walk order")
	assert.Equal(t, []int64{1 << 20, 2 << 20}, progress, "progress every MiB of the big file")

	h.send(wire.Ack{})
	require.NoError(t, h.wait())
}

func TestDumpLockedFile(t *testing.T) {
	root := writeTree(t, scenarioFiles())
	staging := filepath.Join(t.TempDir(), "DUMP")

	h := newHarness(t)
	h.opts.FS = lockedFS{locked: map[string]bool{"a.txt": true}}
	h.start()
	h.handshake()
	h.send(wire.StartDump{PackageRoot: root, StagingRoot: staging})

	completed, failed, done := summarize(h.untilDone())
	assert.Len(t, completed, 2)
	assert.Equal(t, map[string]string{"a.txt": dumperr.ReasonLocked}, failed)
	assert.Equal(t, uint64(3), done.TotalFiles)
	assert.Equal(t, uint64(1), done.FailureCount)
	assert.Equal(t, uint64(2097152), done.TotalBytes)
	assert.NoFileExists(t, filepath.Join(staging, "a.txt"), "failed files leave nothing staged")

	h.send(wire.Ack{})
	require.NoError(t, h.wait(), "one failed file should not fail the run")
}

func TestDumpExclude(t *testing.T) {
	root := writeTree(t, map[string][]byte{
		"app.exe":          []byte("x"),
		"app.pdb":          []byte("x"),
		"cache/one.bin":    []byte("x"),
		"Assets/logo.png":  []byte("x"),
		"Assets/logo.pdb":  []byte("x"),
		"Assets/deep/a.js": []byte("x"),
	})
	staging := filepath.Join(t.TempDir(), "DUMP")

	h := newHarness(t)
	h.start()
	h.handshake()
	h.send(wire.StartDump{PackageRoot: root, StagingRoot: staging, Exclude: []string{"**/*.pdb", "cache/**"}})

	completed, _, _ := summarize(h.untilDone())
	var got []string
	for rel := range completed {
		got = append(got, rel)
	}
	assert.ElementsMatch(t, []string{"app.exe", "Assets/logo.png", "Assets/deep/a.js"}, got)

	h.send(wire.Ack{})
	require.NoError(t, h.wait())
}

func TestMappingDenied(t *testing.T) {
	h := newHarness(t)
	h.ns.DenyOpen()
	h.start()

	err := h.wait()
	require.ErrorIs(t, err, dumperr.ErrPermissionDenied, "payload should return, not crash")

	_, err = h.host.Receive()
	assert.ErrorIs(t, err, dumperr.ErrEmpty, "nothing reaches the host")
}

func TestMappingMissing(t *testing.T) {
	h := newHarness(t)
	h.opts.RegionName = "no-such-region"
	h.start()
	require.Error(t, h.wait())
}

func TestVersionMismatch(t *testing.T) {
	h := newHarness(t)
	h.region.Bytes()[4] = 2
	h.start()

	err := h.wait()
	require.ErrorIs(t, err, dumperr.ErrProtocolMismatch)

	msg := h.next()
	fatal, ok := msg.(wire.Fatal)
	require.True(t, ok, "host should get a Fatal event, got %T", msg)
	assert.ErrorIs(t, fatal.Err(), dumperr.ErrProtocolMismatch)
}

func TestShutdownBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.handshake()
	h.send(wire.Shutdown{})

	assert.Equal(t, wire.Stopped{}, h.next())
	require.ErrorIs(t, h.wait(), dumperr.ErrCancelled)
}

// gatedFS blocks every Open after the first until gate is closed.
type gatedFS struct {
	OSFS
	opened *atomic.Int32
	gate   chan struct{}
}

func (f gatedFS) Open(name string) (io.ReadCloser, error) {
	if f.opened.Add(1) > 1 {
		<-f.gate
	}
	return f.OSFS.Open(name)
}

func TestShutdownDuringDump(t *testing.T) {
	files := map[string][]byte{}
	for i := 0; i < 10; i++ {
		files["d/"+strings.Repeat("f", i+1)] = bytes.Repeat([]byte{byte(i)}, 2*ChunkSize)
	}
	root := writeTree(t, files)
	staging := filepath.Join(t.TempDir(), "DUMP")

	gate := make(chan struct{})
	h := newHarness(t)
	h.opts.FS = gatedFS{opened: &atomic.Int32{}, gate: gate}
	h.start()
	h.handshake()
	h.send(wire.StartDump{PackageRoot: root, StagingRoot: staging})

	for {
		if _, ok := h.next().(wire.FileCompleted); ok {
			break
		}
	}
	h.send(wire.Shutdown{})
	close(gate)

	for {
		msg := h.next()
		if _, ok := msg.(wire.Stopped); ok {
			break
		}
		_, done := msg.(wire.DumpCompleted)
		require.False(t, done, "payload should stop before finishing")
	}
	require.ErrorIs(t, h.wait(), dumperr.ErrCancelled)

	entries, err := os.ReadDir(filepath.Join(staging, "d"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"f"}, names, "the interrupted file should be removed")
}

func TestStartTimeout(t *testing.T) {
	h := newHarness(t)
	h.opts.StartTimeout = 50 * time.Millisecond
	h.start()
	h.handshake()
	require.ErrorIs(t, h.wait(), dumperr.ErrHandshakeTimeout)
}

func TestHostLost(t *testing.T) {
	h := newHarness(t)
	h.opts.IPC.StaleAfter = 50 * time.Millisecond
	h.stop()
	h.start()
	h.handshake()
	require.ErrorIs(t, h.wait(), dumperr.ErrProcessLost, "a silent host should end the payload")
}

func TestAckWaitHostGone(t *testing.T) {
	root := writeTree(t, map[string][]byte{"a": []byte("a")})
	staging := filepath.Join(t.TempDir(), "DUMP")

	h := newHarness(t)
	h.opts.IPC.StaleAfter = 100 * time.Millisecond
	h.opts.AckWait = 30 * time.Second
	h.start()
	h.handshake()
	h.send(wire.StartDump{PackageRoot: root, StagingRoot: staging})
	h.untilDone()
	h.stop()

	start := time.Now()
	require.NoError(t, h.wait())
	assert.Less(t, time.Since(start), 5*time.Second, "payload should not wait for a gone host")
}

func TestStagingInsidePackage(t *testing.T) {
	root := writeTree(t, map[string][]byte{"a": []byte("a")})

	h := newHarness(t)
	h.start()
	h.handshake()
	h.send(wire.StartDump{PackageRoot: root, StagingRoot: filepath.Join(root, "DUMP")})

	msg := h.next()
	_, ok := msg.(wire.Fatal)
	require.True(t, ok, "got %T", msg)
	require.Error(t, h.wait())
	assert.FileExists(t, filepath.Join(root, "a"), "package files must not be touched")
}

func TestMissingPackageRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "missing")

	h := newHarness(t)
	h.start()
	h.handshake()
	h.send(wire.StartDump{PackageRoot: root, StagingRoot: filepath.Join(t.TempDir(), "DUMP")})

	msg := h.next()
	fatal, ok := msg.(wire.Fatal)
	require.True(t, ok, "an unreadable root should end the dump, got %T", msg)
	assert.Contains(t, fatal.Reason, "scanning package root", "fatal should name the step")
	require.Error(t, h.wait())
}

func TestNotPackaged(t *testing.T) {
	root := writeTree(t, map[string][]byte{"a": []byte("a")})

	h := newHarness(t)
	h.opts.CheckIdentity = func() error { return os.ErrNotExist }
	h.start()
	h.handshake()
	h.send(wire.StartDump{PackageRoot: root, StagingRoot: filepath.Join(t.TempDir(), "DUMP")})

	msg := h.next()
	fatal, ok := msg.(wire.Fatal)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, wire.KindNotPackaged, fatal.Kind)
	require.ErrorIs(t, h.wait(), dumperr.ErrInjectionFailed)
}

func TestCheckStaging(t *testing.T) {
	tests := []struct {
		root, staging string
		ok            bool
	}{
		{root: "/pkg", staging: "/stage", ok: true},
		{root: "/apps/pkg", staging: "/apps/pkg2", ok: true},
		{root: "/pkg", staging: "/pkg/DUMP"},
		{root: "/pkg", staging: "/pkg"},
		{root: "/a/pkg", staging: "/a"},
		{root: "/pkg", staging: ""},
		{root: "", staging: "/stage"},
	}
	for _, tt := range tests {
		t.Run(tt.root+" "+tt.staging, func(t *testing.T) {
			err := checkStaging(filepath.FromSlash(tt.root), filepath.FromSlash(tt.staging))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestClampPath(t *testing.T) {
	assert.Equal(t, "short", clampPath("short"))

	long := strings.Repeat("a", wire.MaxPathLength-1) + "é"
	got := clampPath(long)
	assert.LessOrEqual(t, len(got), wire.MaxPathLength)
	assert.Equal(t, strings.Repeat("a", wire.MaxPathLength-1), got, "a split rune is dropped")
}
