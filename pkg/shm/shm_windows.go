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

package shm

import (
	"unsafe"

	"github.com/walteh/uwpdump/pkg/dumperr"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/windows"
)

// SDDL strings for the region's security descriptor. S-1-15-2-1 is ALL
// APPLICATION PACKAGES, S-1-15-2-2 ALL RESTRICTED APPLICATION PACKAGES; the
// SACL entry lowers the mandatory label so low-integrity processes can write.
const (
	sddlOwnerOnly    = "D:P(A;;GA;;;SY)(A;;GA;;;OW)"
	sddlAppContainer = "D:P(A;;GA;;;SY)(A;;GA;;;BA)(A;;GA;;;OW)(A;;GA;;;S-1-15-2-1)(A;;GA;;;S-1-15-2-2)S:(ML;;NW;;;LW)"
)

// x/sys/windows exports CreateFileMapping but not its Open counterpart.
var procOpenFileMappingW = windows.NewLazySystemDLL("kernel32.dll").NewProc("OpenFileMappingW")

const mapAccess = windows.FILE_MAP_READ | windows.FILE_MAP_WRITE

func (a ACL) sddl() string {
	if a == ACLAppContainer {
		return sddlAppContainer
	}
	return sddlOwnerOnly
}

func objectName(name string) string {
	return `Local\` + name
}

func create(name string, size int, acl ACL) (*Region, error) {
	sd, err := windows.SecurityDescriptorFromString(acl.sddl())
	if err != nil {
		return nil, errors.Errorf("building security descriptor for %s: %w", acl, err)
	}
	sa := &windows.SecurityAttributes{
		Length:             uint32(unsafe.Sizeof(windows.SecurityAttributes{})),
		SecurityDescriptor: sd,
	}

	namePtr, err := windows.UTF16PtrFromString(objectName(name))
	if err != nil {
		return nil, errors.Errorf("encoding region name: %w", err)
	}

	high := uint32(uint64(size) >> 32)
	low := uint32(uint64(size) & 0xffffffff)
	handle, err := windows.CreateFileMapping(windows.InvalidHandle, sa, windows.PAGE_READWRITE, high, low, namePtr)
	if handle != 0 && errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		windows.CloseHandle(handle)
		return nil, errors.Errorf("creating region %q: already exists", name)
	}
	if handle == 0 {
		if errors.Is(err, windows.ERROR_ACCESS_DENIED) {
			return nil, dumperr.New(dumperr.ErrPermissionDenied, "create region "+name, err)
		}
		return nil, errors.Errorf("creating file mapping %q: %w", name, err)
	}

	addr, err := windows.MapViewOfFile(handle, mapAccess, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(handle)
		return nil, errors.Errorf("mapping view of %q: %w", name, err)
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return newRegion(name, data, closeView(addr, handle)), nil
}

func open(name string) (*Region, error) {
	namePtr, err := windows.UTF16PtrFromString(objectName(name))
	if err != nil {
		return nil, errors.Errorf("encoding region name: %w", err)
	}

	handle, err := openFileMapping(mapAccess, namePtr)
	if err != nil {
		if errors.Is(err, windows.ERROR_ACCESS_DENIED) {
			return nil, dumperr.New(dumperr.ErrPermissionDenied, "open region "+name, err)
		}
		return nil, errors.Errorf("opening file mapping %q: %w", name, err)
	}

	addr, err := windows.MapViewOfFile(handle, mapAccess, 0, 0, 0)
	if err != nil {
		windows.CloseHandle(handle)
		if errors.Is(err, windows.ERROR_ACCESS_DENIED) {
			return nil, dumperr.New(dumperr.ErrPermissionDenied, "map region "+name, err)
		}
		return nil, errors.Errorf("mapping view of %q: %w", name, err)
	}

	var info windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &info, unsafe.Sizeof(info)); err != nil {
		windows.UnmapViewOfFile(addr)
		windows.CloseHandle(handle)
		return nil, errors.Errorf("querying view size of %q: %w", name, err)
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(info.RegionSize))
	return newRegion(name, data, closeView(addr, handle)), nil
}

// openFileMapping returns a zero handle and the last error on failure.
func openFileMapping(access uint32, name *uint16) (windows.Handle, error) {
	if err := procOpenFileMappingW.Find(); err != nil {
		return 0, errors.Errorf("finding OpenFileMappingW: %w", err)
	}
	r, _, err := procOpenFileMappingW.Call(uintptr(access), 0, uintptr(unsafe.Pointer(name)))
	if r == 0 {
		return 0, err
	}
	return windows.Handle(r), nil
}

func closeView(addr uintptr, handle windows.Handle) func() error {
	return func() error {
		unmapErr := windows.UnmapViewOfFile(addr)
		closeErr := windows.CloseHandle(handle)
		if unmapErr != nil {
			return errors.Errorf("unmapping view: %w", unmapErr)
		}
		if closeErr != nil {
			return errors.Errorf("closing mapping handle: %w", closeErr)
		}
		return nil
	}
}
