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

//go:build !windows

package shm

import (
	"os"
	"path/filepath"

	"github.com/walteh/uwpdump/pkg/dumperr"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// Dir is where file-backed regions live. /dev/shm keeps them in memory when
// the system has it.
var Dir = defaultDir()

func defaultDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

func (a ACL) mode() os.FileMode {
	if a == ACLAppContainer {
		return 0o666
	}
	return 0o600
}

func regionPath(name string) string {
	return filepath.Join(Dir, name)
}

// create makes the backing file and holds an exclusive flock on it for the
// region's lifetime. A file whose lock nobody holds was left by a host that
// died without closing, and is replaced.
func create(name string, size int, acl ACL) (*Region, error) {
	path := regionPath(name)
	f, err := createFile(path, acl)
	if errors.Is(err, os.ErrExist) && reclaim(path) {
		f, err = createFile(path, acl)
	}
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, dumperr.New(dumperr.ErrPermissionDenied, "create region "+name, err)
		}
		if errors.Is(err, os.ErrExist) {
			return nil, errors.Errorf("creating region %q: already exists", name)
		}
		return nil, errors.Errorf("creating region file %q: %w", path, err)
	}

	fail := func(err error) (*Region, error) {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fail(errors.Errorf("locking region file: %w", err))
	}
	// the umask may have narrowed the requested mode
	if err := f.Chmod(acl.mode()); err != nil {
		return fail(errors.Errorf("setting region mode: %w", err))
	}
	if err := f.Truncate(int64(size)); err != nil {
		return fail(errors.Errorf("sizing region file: %w", err))
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail(errors.Errorf("mapping region %q: %w", name, err))
	}

	return newRegion(name, data, func() error {
		unmapErr := unix.Munmap(data)
		removeErr := os.Remove(path)
		f.Close()
		if unmapErr != nil {
			return errors.Errorf("unmapping region: %w", unmapErr)
		}
		if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			return errors.Errorf("removing region file: %w", removeErr)
		}
		return nil
	}), nil
}

func createFile(path string, acl ACL) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, acl.mode())
}

// reclaim removes path when no live host holds its lock.
func reclaim(path string) bool {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return false
	}
	return os.Remove(path) == nil
}

func open(name string) (*Region, error) {
	path := regionPath(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, dumperr.New(dumperr.ErrPermissionDenied, "open region "+name, err)
		}
		return nil, errors.Errorf("opening region file %q: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Errorf("stat region file: %w", err)
	}
	if fi.Size() <= 0 {
		return nil, errors.Errorf("opening region %q: empty", name)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if errors.Is(err, unix.EACCES) {
			return nil, dumperr.New(dumperr.ErrPermissionDenied, "map region "+name, err)
		}
		return nil, errors.Errorf("mapping region %q: %w", name, err)
	}

	return newRegion(name, data, func() error {
		if err := unix.Munmap(data); err != nil {
			return errors.Errorf("unmapping region: %w", err)
		}
		return nil
	}), nil
}
