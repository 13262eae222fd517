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
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/walteh/uwpdump/pkg/longpath"
)

// 📁 FS is the filesystem the payload reads the package from and stages into.
// Names are OS paths.
type FS interface {
	Open(name string) (io.ReadCloser, error)
	Create(name string) (io.WriteCloser, error)
	MkdirAll(name string, perm fs.FileMode) error
	Remove(name string) error
	RemoveAll(name string) error
	WalkDir(root string, fn fs.WalkDirFunc) error
}

// OSFS is the host operating system filesystem with long-path-safe names.
type OSFS struct{}

var _ FS = OSFS{}

func (OSFS) Open(name string) (io.ReadCloser, error) {
	return os.Open(longpath.Path(name))
}

func (OSFS) Create(name string) (io.WriteCloser, error) {
	return os.OpenFile(longpath.Path(name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

func (OSFS) MkdirAll(name string, perm fs.FileMode) error {
	return os.MkdirAll(longpath.Path(name), perm)
}

func (OSFS) Remove(name string) error {
	return os.Remove(longpath.Path(name))
}

func (OSFS) RemoveAll(name string) error {
	return os.RemoveAll(longpath.Path(name))
}

// WalkDir walks in lexical order, so repeated runs visit files identically.
// Paths handed to fn start with root as given, without the long-path form.
func (OSFS) WalkDir(root string, fn fs.WalkDirFunc) error {
	ext := longpath.Path(root)
	return filepath.WalkDir(ext, func(path string, d fs.DirEntry, err error) error {
		if rest, ok := strings.CutPrefix(path, ext); ok {
			path = root + rest
		}
		return fn(path, d, err)
	})
}
