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

package inject

import (
	"math/bits"

	"github.com/walteh/uwpdump/pkg/dumperr"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

var errUnsupported = errors.New("remote library loading requires windows; use the loopback injector")

type nativeAPI struct{}

// NativeAPI returns an implementation that can find processes but not load
// into them.
func NativeAPI() ProcessAPI { return nativeAPI{} }

func (nativeAPI) HostIs64Bit() bool { return bits.UintSize == 64 }

func (nativeAPI) LoaderEntry() (uintptr, error) { return 0, errUnsupported }

func (nativeAPI) Open(pid uint32) (Process, error) {
	if err := unix.Kill(int(pid), 0); err != nil {
		switch {
		case errors.Is(err, unix.ESRCH):
			return nil, dumperr.New(dumperr.ErrProcessNotFound, "open process", err)
		case errors.Is(err, unix.EPERM):
			return nil, dumperr.New(dumperr.ErrPermissionDenied, "open process", err)
		default:
			return nil, dumperr.New(dumperr.ErrInjectionFailed, "open process", err)
		}
	}
	return probedProcess(pid), nil
}

type probedProcess uint32

func (p probedProcess) Is64Bit() (bool, error) { return bits.UintSize == 64, nil }

func (p probedProcess) Alloc(int) (uintptr, error) { return 0, errUnsupported }

func (p probedProcess) Write(uintptr, []byte) error { return errUnsupported }

func (p probedProcess) Free(uintptr) error { return nil }

func (p probedProcess) StartRemote(uintptr, uintptr) (Thread, error) { return nil, errUnsupported }

func (p probedProcess) Alive() bool {
	err := unix.Kill(int(p), 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (p probedProcess) Close() error { return nil }

