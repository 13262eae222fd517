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

// Package copyengine fans staged files out to their final destination with a
// pool of workers.
package copyengine

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/walteh/uwpdump/pkg/dumperr"
	"github.com/walteh/uwpdump/pkg/longpath"
	"github.com/zeebo/blake3"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
)

// BufferSize is the per-worker copy buffer.
const BufferSize = 64 << 10

// ReasonDigestMismatch marks a copy whose content differs from the staged digest.
const ReasonDigestMismatch = "digest mismatch"

// ErrDigestMismatch is returned for a verified copy with the wrong content.
var ErrDigestMismatch = errors.Base("digest mismatch")

// 📋 Plan describes one fan-out
type Plan struct {
	SourceRoot string
	DestRoot   string
	// Files are relative to SourceRoot, with forward slashes.
	Files []string
	// Workers caps the pool. Zero means one per CPU.
	Workers int
	// Digests maps a file to its expected hex blake3 digest.
	Digests map[string]string
	Verify  bool
}

// Update is reported after each file.
type Update struct {
	Done  int
	Total int
	Path  string
	Err   error
}

// Failure is one file that was not copied.
type Failure struct {
	Path   string
	Reason string
	Err    error
}

// 📊 Result totals a fan-out
type Result struct {
	Copied int
	Bytes  int64
	Failed []Failure
}

// WorkerCount returns the pool size used for n files.
func WorkerCount(requested, n int) int {
	w := runtime.NumCPU()
	if requested > 0 && requested < w {
		w = requested
	}
	if n < w {
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}

// Copy copies every file of plan exactly once. Per-file failures land in
// Result.Failed and never stop the other workers. When ctx ends, files not
// yet claimed are recorded as cancelled and an ErrCancelled error is
// returned along with the partial result. progress may be nil; calls to it
// are serialized.
func Copy(ctx context.Context, plan Plan, progress func(Update)) (Result, error) {
	if plan.SourceRoot == "" || plan.DestRoot == "" {
		return Result{}, errors.New("copy plan needs a source and a destination root")
	}
	total := len(plan.Files)
	if total == 0 {
		return Result{}, nil
	}

	workers := WorkerCount(plan.Workers, total)
	zerolog.Ctx(ctx).Debug().Int("files", total).Int("workers", workers).Str("dest", plan.DestRoot).Msg("starting copy")

	var (
		next    atomic.Int64
		done    atomic.Int64
		copied  atomic.Int64
		bytes   atomic.Int64
		mu      sync.Mutex
		failed  []Failure
		progMu  sync.Mutex
		cancels atomic.Int64
	)

	report := func(path string, err error) {
		progMu.Lock()
		defer progMu.Unlock()
		d := int(done.Add(1))
		if progress != nil {
			progress(Update{Done: d, Total: total, Path: path, Err: err})
		}
	}

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			buf := make([]byte, BufferSize)
			for {
				i := int(next.Add(1) - 1)
				if i >= total {
					return nil
				}
				rel := plan.Files[i]

				var err error
				var n int64
				if ctx.Err() != nil {
					err = dumperr.NewPath(dumperr.ErrCancelled, "copy", rel, ctx.Err())
					cancels.Add(1)
				} else {
					want := ""
					if plan.Verify {
						want = plan.Digests[rel]
					}
					n, err = copyFile(ctx, buf,
						filepath.Join(plan.SourceRoot, filepath.FromSlash(rel)),
						filepath.Join(plan.DestRoot, filepath.FromSlash(rel)),
						want)
				}

				if err != nil {
					mu.Lock()
					failed = append(failed, Failure{Path: rel, Reason: reason(err), Err: err})
					mu.Unlock()
				} else {
					copied.Add(1)
					bytes.Add(n)
				}
				report(rel, err)
			}
		})
	}
	// workers never return an error
	_ = g.Wait()

	sort.Slice(failed, func(i, j int) bool { return failed[i].Path < failed[j].Path })
	res := Result{Copied: int(copied.Load()), Bytes: bytes.Load(), Failed: failed}

	if ctx.Err() != nil {
		return res, dumperr.New(dumperr.ErrCancelled, "copy", errors.Errorf("%d files not attempted: %w", cancels.Load(), ctx.Err()))
	}
	return res, nil
}

func reason(err error) string {
	if errors.Is(err, ErrDigestMismatch) {
		return ReasonDigestMismatch
	}
	return dumperr.Reason(err)
}

// copyFile writes src into a temporary sibling of dst and renames it into
// place once the content is complete and verified.
func copyFile(ctx context.Context, buf []byte, src, dst, wantDigest string) (n int64, rerr error) {
	in, err := os.Open(longpath.Path(src))
	if err != nil {
		return 0, errors.Errorf("opening source: %w", err)
	}
	defer in.Close()

	dir := longpath.Path(filepath.Dir(dst))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, errors.Errorf("creating destination directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.partial")
	if err != nil {
		return 0, errors.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if rerr != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	h := blake3.New()
	n, err = io.CopyBuffer(io.MultiWriter(tmp, h), &ctxReader{ctx: ctx, r: in}, buf)
	if err != nil {
		return n, errors.Errorf("copying: %w", err)
	}

	if wantDigest != "" {
		if got := hex.EncodeToString(h.Sum(nil)); got != wantDigest {
			return n, errors.Errorf("%s: got %s, want %s: %w", filepath.Base(dst), got, wantDigest, ErrDigestMismatch)
		}
	}

	if err := tmp.Sync(); err != nil {
		return n, errors.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return n, errors.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), longpath.Path(dst)); err != nil {
		return n, errors.Errorf("renaming temp file: %w", err)
	}
	return n, nil
}

// ctxReader stops a copy between reads once ctx ends.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, dumperr.New(dumperr.ErrCancelled, "read", err)
	}
	return c.r.Read(p)
}
