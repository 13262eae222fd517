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
	"encoding/hex"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"github.com/walteh/uwpdump/pkg/dumperr"
	"github.com/walteh/uwpdump/pkg/wire"
	"github.com/zeebo/blake3"
	"gitlab.com/tozd/go/errors"
)

type entry struct {
	rel  string
	src  string
	size int64
}

func (r *runner) dump(start wire.StartDump) error {
	begin := time.Now()
	root, staging := start.PackageRoot, start.StagingRoot

	r.progressEvery = start.ProgressEvery
	if r.progressEvery <= 0 {
		r.progressEvery = DefaultProgressEvery
	}
	for _, pattern := range start.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return r.fatal(errors.Errorf("invalid exclude pattern %q", pattern))
		}
	}
	if err := checkStaging(root, staging); err != nil {
		return r.fatal(err)
	}
	if r.opts.CheckIdentity != nil {
		if err := r.opts.CheckIdentity(); err != nil {
			r.log.Error().Err(err).Msg("checking package identity")
			if sendErr := r.send(wire.Fatal{Kind: wire.KindNotPackaged, Reason: err.Error()}); sendErr != nil {
				r.log.Debug().Err(sendErr).Msg("reporting missing identity")
			}
			return dumperr.New(dumperr.ErrInjectionFailed, "check identity", err)
		}
	}

	r.logf(zerolog.InfoLevel, "Package root: %s", root)
	r.logf(zerolog.InfoLevel, "Dump path: %s", staging)
	r.logf(zerolog.InfoLevel, "Cleaning up previous dump...")
	if err := r.fs.RemoveAll(staging); err != nil {
		return r.fatal(stagingError("removing previous dump", staging, err))
	}
	if err := r.fs.MkdirAll(staging, 0o755); err != nil {
		return r.fatal(stagingError("creating staging root", staging, err))
	}

	r.logf(zerolog.InfoLevel, "Scanning package files...")
	files, err := r.scan(root, start.Exclude)
	if err != nil {
		return err
	}
	r.logf(zerolog.InfoLevel, "Found %d files to dump", len(files))

	dirs := parentDirs(staging, files)
	for _, dir := range dirs {
		if err := r.fs.MkdirAll(dir, 0o755); err != nil {
			r.log.Debug().Err(err).Str("dir", dir).Msg("pre-creating directory")
		}
	}

	r.lastBeat = time.Now()
	for _, e := range files {
		if err := r.tick(); err != nil {
			return err
		}
		if err := r.copyOne(staging, e); err != nil {
			return err
		}
	}

	elapsed := time.Since(begin)
	r.logf(zerolog.InfoLevel, "Dumped %d files (%d errors) in %.1fs", r.copied, r.failed, elapsed.Seconds())

	if err := r.send(wire.DumpCompleted{
		TotalFiles:   r.copied + r.failed,
		TotalBytes:   r.bytes,
		FailureCount: r.failed,
		StagingRoot:  staging,
	}); err != nil {
		return err
	}
	return r.awaitAck()
}

// checkStaging refuses a staging root that the cleanup step would turn
// against the package itself.
func checkStaging(root, staging string) error {
	if staging == "" {
		return errors.New("empty staging root")
	}
	if root == "" {
		return errors.New("empty package root")
	}
	rel, err := filepath.Rel(filepath.Clean(staging), filepath.Clean(root))
	if err == nil && (rel == "." || !strings.HasPrefix(rel, "..")) {
		return errors.Errorf("staging root %q contains the package root %q", staging, root)
	}
	rel, err = filepath.Rel(filepath.Clean(root), filepath.Clean(staging))
	if err == nil && !strings.HasPrefix(rel, "..") {
		return errors.Errorf("staging root %q lies inside the package root %q", staging, root)
	}
	return nil
}

func stagingError(op, path string, err error) error {
	if dumperr.Reason(err) == dumperr.ReasonDiskFull {
		return dumperr.NewPath(dumperr.ErrDiskSpaceInsufficient, op, path, err)
	}
	if dumperr.Reason(err) == dumperr.ReasonAccessDenied {
		return dumperr.NewPath(dumperr.ErrPermissionDenied, op, path, err)
	}
	return errors.Errorf("%s %s: %w", op, path, err)
}

func excluded(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// scan lists the regular files under root in walk order. Entries that
// cannot be read are reported as failures and skipped; a root that cannot be
// read ends the dump.
func (r *runner) scan(root string, exclude []string) ([]entry, error) {
	var files []entry
	err := r.fs.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		if walkErr != nil {
			if rel == "." {
				return r.fatal(stagingError("scanning package root", root, walkErr))
			}
			return r.fail(rel, walkErr)
		}
		if rel == "." {
			return nil
		}
		if excluded(exclude, rel) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			r.log.Debug().Str("path", rel).Stringer("mode", d.Type()).Msg("skipping non-regular file")
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return r.fail(rel, err)
		}
		files = append(files, entry{rel: rel, src: path, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func parentDirs(staging string, files []entry) []string {
	seen := make(map[string]struct{})
	for _, e := range files {
		dir := filepath.Dir(filepath.Join(staging, filepath.FromSlash(e.rel)))
		seen[dir] = struct{}{}
	}
	dirs := make([]string, 0, len(seen))
	for dir := range seen {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// fail reports one path that could not be staged.
func (r *runner) fail(rel string, err error) error {
	r.failed++
	reason := dumperr.Reason(err)
	r.log.Warn().Err(err).Str("path", rel).Str("reason", reason).Msg("file failed")
	return r.send(wire.FileFailed{Path: clampPath(rel), Reason: reason})
}

// clampPath shortens p to the longest valid UTF-8 prefix that fits a message.
func clampPath(p string) string {
	if len(p) <= wire.MaxPathLength {
		return p
	}
	p = p[:wire.MaxPathLength]
	for len(p) > 0 && !utf8.ValidString(p) {
		p = p[:len(p)-1]
	}
	return p
}

func (r *runner) copyOne(staging string, e entry) error {
	if len(e.rel) > wire.MaxPathLength {
		return r.fail(e.rel, dumperr.NewPath(dumperr.ErrPathTooLong, "stage", clampPath(e.rel), nil))
	}
	if err := r.send(wire.FileStarted{Path: e.rel, Size: e.size}); err != nil {
		return err
	}

	dst := filepath.Join(staging, filepath.FromSlash(e.rel))
	n, digest, copyErr, abort := r.stream(e.src, dst)
	if abort != nil || copyErr != nil {
		if err := r.fs.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.log.Debug().Err(err).Str("path", dst).Msg("removing partial file")
		}
	}
	if abort != nil {
		return abort
	}
	if copyErr != nil {
		return r.fail(e.rel, copyErr)
	}

	r.copied++
	r.bytes += uint64(n)
	return r.send(wire.FileCompleted{Path: e.rel, Bytes: n, Digest: digest})
}

// stream copies src to dst in ChunkSize pieces, hashing as it goes. copyErr
// is a per-file failure; abort ends the whole run.
func (r *runner) stream(src, dst string) (n int64, digest string, copyErr, abort error) {
	in, err := r.fs.Open(src)
	if err != nil {
		return 0, "", err, nil
	}
	defer in.Close()

	out, err := r.fs.Create(dst)
	if err != nil {
		return 0, "", err, nil
	}

	h := blake3.New()
	var sinceProgress int64
	for {
		k, readErr := in.Read(r.buf)
		if k > 0 {
			if _, err := out.Write(r.buf[:k]); err != nil {
				_ = out.Close()
				return n, "", err, nil
			}
			_, _ = h.Write(r.buf[:k])
			n += int64(k)
			sinceProgress += int64(k)
			if sinceProgress >= r.progressEvery {
				sinceProgress = 0
				if err := r.send(wire.FileProgress{BytesSoFar: n}); err != nil {
					_ = out.Close()
					return n, "", nil, err
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = out.Close()
			return n, "", readErr, nil
		}
		if err := r.tick(); err != nil {
			_ = out.Close()
			return n, "", nil, err
		}
	}

	if err := out.Close(); err != nil {
		return n, "", err, nil
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil, nil
}
