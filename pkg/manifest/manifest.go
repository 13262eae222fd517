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

// Package manifest records what a dump produced and checks a dump directory
// against that record later.
//
// The manifest is a JSON file written next to the dumped tree. It lists every
// file with its size and blake3 digest, and every path that failed.
package manifest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/walteh/uwpdump/pkg/dumperr"
	"github.com/walteh/uwpdump/pkg/longpath"
	"github.com/walteh/uwpdump/pkg/session"
	"github.com/zeebo/blake3"
	"gitlab.com/tozd/go/errors"
)

// FileName is the manifest's name inside a dump directory.
const FileName = "uwpdump-manifest.json"

// Version is the manifest format written by this package.
const Version = 1

var ErrUnsupportedVersion = errors.Base("unsupported manifest version")

// 📄 Entry is one dumped file
type Entry struct {
	Path   string `json:"path"`
	Bytes  int64  `json:"bytes"`
	Digest string `json:"digest,omitempty"`
}

// Failure is one path that did not make it into the dump.
type Failure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
	Phase  string `json:"phase"`
}

// Target identifies the dumped application.
type Target struct {
	PID     uint32 `json:"pid"`
	Name    string `json:"name,omitempty"`
	Package string `json:"package,omitempty"`
	Family  string `json:"family,omitempty"`
}

// 📦 Manifest is the record of one dump
type Manifest struct {
	Version   int       `json:"version"`
	SessionID string    `json:"session_id"`
	Target    Target    `json:"target"`
	Created   time.Time `json:"created"`
	Outcome   string    `json:"outcome"`
	Bytes     int64     `json:"bytes"`
	Files     []Entry   `json:"files"`
	Failed    []Failure `json:"failed,omitempty"`
}

// FromReport builds the manifest for the directory the report's files ended
// up in. Files that failed to collect are listed as failures only.
func FromReport(r session.Report, created time.Time) *Manifest {
	notCollected := make(map[string]bool)
	m := &Manifest{
		Version:   Version,
		SessionID: r.SessionID.String(),
		Target: Target{
			PID:     r.Target.PID,
			Name:    r.Target.Name,
			Package: r.Target.PackageFullName,
			Family:  r.Target.PackageFamilyName,
		},
		Created: created.UTC(),
		Outcome: r.Outcome.String(),
		Files:   []Entry{},
	}
	for _, f := range r.Failed {
		if f.Phase == session.PhaseCollect {
			notCollected[f.Path] = true
		}
		m.Failed = append(m.Failed, Failure{Path: f.Path, Reason: f.Reason, Phase: string(f.Phase)})
	}
	for _, f := range r.Staged {
		if notCollected[f.Path] {
			continue
		}
		m.Files = append(m.Files, Entry{Path: filepath.ToSlash(f.Path), Bytes: f.Bytes, Digest: f.Digest})
		m.Bytes += f.Bytes
	}
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })
	return m
}

// Write stores m as dir/FileName. The file is written to a temp file first and
// renamed into place, so a reader never sees a partial manifest.
func Write(ctx context.Context, dir string, m *Manifest) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", errors.Errorf("encoding manifest: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(longpath.Path(dir), 0o755); err != nil {
		return "", errors.Errorf("creating manifest directory: %w", err)
	}

	path := filepath.Join(dir, FileName)
	tempPath := path + ".tmp"
	if err := os.WriteFile(longpath.Path(tempPath), data, 0o644); err != nil {
		return "", errors.Errorf("writing temp manifest: %w", err)
	}
	if err := os.Rename(longpath.Path(tempPath), longpath.Path(path)); err != nil {
		_ = os.Remove(longpath.Path(tempPath))
		return "", errors.Errorf("renaming temp manifest: %w", err)
	}

	zerolog.Ctx(ctx).Debug().Str("path", path).Int("files", len(m.Files)).Msg("wrote manifest")
	return path, nil
}

// Load reads dir/FileName.
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(longpath.Path(filepath.Join(dir, FileName)))
	if err != nil {
		return nil, errors.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Errorf("decoding manifest: %w", err)
	}
	if m.Version != Version {
		return nil, errors.Errorf("manifest version %d: %w", m.Version, ErrUnsupportedVersion)
	}
	return &m, nil
}

// 🔍 FileStatus is how a dumped file compares with its manifest entry
type FileStatus int

const (
	StatusUnchanged FileStatus = iota
	StatusModified
	StatusMissing
	StatusUnreadable
)

func (s FileStatus) String() string {
	switch s {
	case StatusUnchanged:
		return "unchanged"
	case StatusModified:
		return "modified"
	case StatusMissing:
		return "missing"
	default:
		return "unreadable"
	}
}

// Check is the result of checking one entry.
type Check struct {
	Entry  Entry
	Status FileStatus
	Err    error
}

// OK reports whether the file still matches the manifest.
func (c Check) OK() bool { return c.Status == StatusUnchanged }

// Verify re-hashes every entry of m under dir. It returns one check per entry
// in manifest order and stops early only when ctx ends.
func Verify(ctx context.Context, dir string, m *Manifest) ([]Check, error) {
	log := zerolog.Ctx(ctx)
	buf := make([]byte, 64*1024)
	checks := make([]Check, 0, len(m.Files))
	for _, e := range m.Files {
		if err := ctx.Err(); err != nil {
			return checks, dumperr.New(dumperr.ErrCancelled, "verify", err)
		}
		c := check(buf, dir, e)
		if !c.OK() {
			log.Debug().Str("path", e.Path).Stringer("status", c.Status).Err(c.Err).Msg("manifest mismatch")
		}
		checks = append(checks, c)
	}
	return checks, nil
}

func check(buf []byte, dir string, e Entry) Check {
	path := longpath.Path(filepath.Join(dir, filepath.FromSlash(e.Path)))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{Entry: e, Status: StatusMissing}
		}
		return Check{Entry: e, Status: StatusUnreadable, Err: errors.Errorf("opening %s: %w", e.Path, err)}
	}
	defer f.Close()

	h := blake3.New()
	n, err := io.CopyBuffer(h, f, buf)
	if err != nil {
		return Check{Entry: e, Status: StatusUnreadable, Err: errors.Errorf("reading %s: %w", e.Path, err)}
	}
	if n != e.Bytes {
		return Check{Entry: e, Status: StatusModified}
	}
	if e.Digest != "" && hex.EncodeToString(h.Sum(nil)) != e.Digest {
		return Check{Entry: e, Status: StatusModified}
	}
	return Check{Entry: e, Status: StatusUnchanged}
}
