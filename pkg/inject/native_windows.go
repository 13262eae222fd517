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

//go:build windows

package inject

import (
	"path/filepath"
	"strings"
	"time"
	"unsafe"

	"github.com/walteh/uwpdump/pkg/dumperr"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/windows"
)

var (
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procVirtualAllocEx     = kernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx      = kernel32.NewProc("VirtualFreeEx")
	procCreateRemoteThread = kernel32.NewProc("CreateRemoteThread")
	procGetExitCodeThread  = kernel32.NewProc("GetExitCodeThread")
	procLoadLibraryW       = kernel32.NewProc("LoadLibraryW")
)

const processAccess = windows.PROCESS_CREATE_THREAD |
	windows.PROCESS_VM_OPERATION |
	windows.PROCESS_VM_WRITE |
	windows.PROCESS_VM_READ |
	windows.PROCESS_QUERY_INFORMATION |
	windows.SYNCHRONIZE

const (
	machineUnknown = 0x0000
	machineAMD64   = 0x8664
	machineARM64   = 0xaa64
)

type nativeAPI struct{}

// NativeAPI returns the Win32 implementation.
func NativeAPI() ProcessAPI { return nativeAPI{} }

func (nativeAPI) HostIs64Bit() bool { return unsafe.Sizeof(uintptr(0)) == 8 }

// kernel32 is mapped at the same base in every process of a session, so the
// local address of LoadLibraryW is valid in the target.
func (nativeAPI) LoaderEntry() (uintptr, error) {
	if err := procLoadLibraryW.Find(); err != nil {
		return 0, errors.Errorf("finding LoadLibraryW: %w", err)
	}
	return procLoadLibraryW.Addr(), nil
}

func (nativeAPI) Open(pid uint32) (Process, error) {
	h, err := windows.OpenProcess(processAccess, false, pid)
	if err != nil {
		switch {
		case errors.Is(err, windows.ERROR_ACCESS_DENIED):
			return nil, dumperr.New(dumperr.ErrPermissionDenied, "open process", err)
		case errors.Is(err, windows.ERROR_INVALID_PARAMETER):
			return nil, dumperr.New(dumperr.ErrProcessNotFound, "open process", err)
		default:
			return nil, dumperr.New(dumperr.ErrInjectionFailed, "open process", err)
		}
	}
	return &nativeProcess{h: h}, nil
}

type nativeProcess struct {
	h windows.Handle
}

func (p *nativeProcess) Is64Bit() (bool, error) {
	var processMachine, nativeMachine uint16
	if err := windows.IsWow64Process2(p.h, &processMachine, &nativeMachine); err == nil {
		if processMachine != machineUnknown {
			return false, nil
		}
		return nativeMachine == machineAMD64 || nativeMachine == machineARM64, nil
	}

	var wow64 bool
	if err := windows.IsWow64Process(p.h, &wow64); err != nil {
		return false, errors.Errorf("IsWow64Process: %w", err)
	}
	return !wow64 && unsafe.Sizeof(uintptr(0)) == 8, nil
}

func (p *nativeProcess) Alloc(size int) (uintptr, error) {
	addr, _, err := procVirtualAllocEx.Call(uintptr(p.h), 0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if addr == 0 {
		return 0, errors.Errorf("VirtualAllocEx: %w", err)
	}
	return addr, nil
}

func (p *nativeProcess) Write(addr uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var written uintptr
	if err := windows.WriteProcessMemory(p.h, addr, &data[0], uintptr(len(data)), &written); err != nil {
		return errors.Errorf("WriteProcessMemory: %w", err)
	}
	if written != uintptr(len(data)) {
		return errors.Errorf("WriteProcessMemory: wrote %d of %d bytes", written, len(data))
	}
	return nil
}

func (p *nativeProcess) Free(addr uintptr) error {
	r, _, err := procVirtualFreeEx.Call(uintptr(p.h), addr, 0, windows.MEM_RELEASE)
	if r == 0 {
		return errors.Errorf("VirtualFreeEx: %w", err)
	}
	return nil
}

func (p *nativeProcess) StartRemote(entry, arg uintptr) (Thread, error) {
	h, _, err := procCreateRemoteThread.Call(uintptr(p.h), 0, 0, entry, arg, 0, 0)
	if h == 0 {
		return nil, errors.Errorf("CreateRemoteThread: %w", err)
	}
	return &nativeThread{h: windows.Handle(h)}, nil
}

// FindModule walks the target's module list for path. Module handles are
// their load addresses.
func (p *nativeProcess) FindModule(path string) (uintptr, bool, error) {
	var needed uint32
	mods := make([]windows.Handle, 256)
	for {
		size := uint32(len(mods)) * uint32(unsafe.Sizeof(mods[0]))
		if err := windows.EnumProcessModules(p.h, &mods[0], size, &needed); err != nil {
			return 0, false, errors.Errorf("EnumProcessModules: %w", err)
		}
		if needed <= size {
			break
		}
		mods = make([]windows.Handle, needed/uint32(unsafe.Sizeof(mods[0]))+16)
	}
	mods = mods[:needed/uint32(unsafe.Sizeof(mods[0]))]

	want := filepath.Clean(path)
	buf := make([]uint16, windows.MAX_LONG_PATH)
	for _, m := range mods {
		if err := windows.GetModuleFileNameEx(p.h, m, &buf[0], uint32(len(buf))); err != nil {
			continue
		}
		if strings.EqualFold(filepath.Clean(windows.UTF16ToString(buf)), want) {
			return uintptr(m), true, nil
		}
	}
	return 0, false, nil
}

func (p *nativeProcess) Alive() bool {
	event, err := windows.WaitForSingleObject(p.h, 0)
	return err == nil && event == uint32(windows.WAIT_TIMEOUT)
}

func (p *nativeProcess) Close() error {
	return windows.CloseHandle(p.h)
}

type nativeThread struct {
	h windows.Handle
}

func (t *nativeThread) Wait(timeout time.Duration) (uint32, error) {
	event, err := windows.WaitForSingleObject(t.h, uint32(timeout.Milliseconds()))
	if err != nil {
		return 0, errors.Errorf("WaitForSingleObject: %w", err)
	}
	if event == uint32(windows.WAIT_TIMEOUT) {
		return 0, errors.Errorf("after %s: %w", timeout, ErrLoadTimeout)
	}
	var code uint32
	r, _, err := procGetExitCodeThread.Call(uintptr(t.h), uintptr(unsafe.Pointer(&code)))
	if r == 0 {
		return 0, errors.Errorf("GetExitCodeThread: %w", err)
	}
	return code, nil
}

func (t *nativeThread) Close() error {
	return windows.CloseHandle(t.h)
}
