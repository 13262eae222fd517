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

// Package shm owns the shared memory segment the host and the payload map.
//
// A Region is a fixed-size byte range with an exclusive owner. The host
// creates it before injection and closes it once the session is terminal;
// the payload opens it by name. Close releases the mapping exactly once.
package shm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/walteh/uwpdump/pkg/dumperr"
	"gitlab.com/tozd/go/errors"
)

// 🔐 ACL controls who may map a region created by the host
type ACL int

const (
	// ACLOwnerOnly grants access to the creating user and SYSTEM.
	ACLOwnerOnly ACL = iota
	// ACLAppContainer additionally grants read/write to sandboxed packaged
	// processes and lowers the integrity label so they can map it.
	ACLAppContainer
)

func (a ACL) String() string {
	switch a {
	case ACLOwnerOnly:
		return "owner-only"
	case ACLAppContainer:
		return "app-container"
	default:
		return fmt.Sprintf("acl(%d)", int(a))
	}
}

// Opener maps an existing region by name.
type Opener func(name string) (*Region, error)

// Factory creates a new region.
type Factory func(name string, size int, acl ACL) (*Region, error)

// 🗺️ Region is a mapped shared memory segment
type Region struct {
	name   string
	data   []byte
	keep   any // pins heap backing for memory regions
	closer func() error

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

func newRegion(name string, data []byte, closer func() error) *Region {
	return &Region{name: name, data: data, closer: closer}
}

// RegionName returns the well-known identifier for the region serving pid.
func RegionName(pid uint32) string {
	return fmt.Sprintf("uwpdump-%d", pid)
}

// Create creates and maps a new region with the platform backend.
func Create(name string, size int, acl ACL) (*Region, error) {
	if size <= 0 {
		return nil, errors.Errorf("creating region %q: invalid size %d", name, size)
	}
	return create(name, size, acl)
}

// Open maps an existing region with the platform backend.
func Open(name string) (*Region, error) {
	return open(name)
}

// Name returns the identifier the region was created with.
func (r *Region) Name() string { return r.name }

// Size returns the mapped size in bytes.
func (r *Region) Size() int { return len(r.data) }

// Bytes returns the mapped memory. It must not be used after Close.
func (r *Region) Bytes() []byte { return r.data }

// Closed reports whether Close has run.
func (r *Region) Closed() bool { return r.closed.Load() }

// Close unmaps the region. Only the first call does any work; later calls
// return the first result.
func (r *Region) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		if r.closer != nil {
			r.closeErr = r.closer()
		}
		r.data = nil
		r.keep = nil
	})
	return r.closeErr
}

// Uint64 returns a pointer to the 8-byte aligned word at off, for atomic
// access shared across the process boundary.
func (r *Region) Uint64(off int) *uint64 {
	if off < 0 || off+8 > len(r.data) {
		panic(fmt.Sprintf("shm: word offset %d out of range (size %d)", off, len(r.data)))
	}
	p := unsafe.Pointer(&r.data[off])
	if uintptr(p)%8 != 0 {
		panic(fmt.Sprintf("shm: word offset %d is not 8-byte aligned", off))
	}
	return (*uint64)(p)
}

// NewMemory returns a heap-backed region. It is never visible to Open; the
// same *Region must be handed to both ends. Used by in-process harnesses.
func NewMemory(name string, size int) *Region {
	words := make([]uint64, (size+7)/8)
	var data []byte
	if size > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	}
	r := newRegion(name, data, nil)
	r.keep = words
	return r
}

// 🧪 Namespace is an in-process registry of memory regions. Its Create and
// Open methods satisfy Factory and Opener, so a host and a payload running
// in the same process can rendezvous by name.
type Namespace struct {
	mu      sync.Mutex
	regions map[string]*Region
	deny    bool
}

// NewNamespace returns an empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{regions: make(map[string]*Region)}
}

// DenyOpen makes every later Open fail with ErrPermissionDenied, standing in
// for a region whose ACL the payload cannot satisfy.
func (n *Namespace) DenyOpen() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deny = true
}

// Create registers a new memory region under name.
func (n *Namespace) Create(name string, size int, acl ACL) (*Region, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.regions[name]; ok && !r.Closed() {
		return nil, errors.Errorf("creating region %q: already exists", name)
	}
	r := NewMemory(name, size)
	n.regions[name] = r
	return r, nil
}

// Open returns the live region registered under name.
func (n *Namespace) Open(name string) (*Region, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.deny {
		return nil, dumperr.New(dumperr.ErrPermissionDenied, "open region "+name, nil)
	}
	r, ok := n.regions[name]
	if !ok || r.Closed() {
		return nil, errors.Errorf("opening region %q: not found", name)
	}
	view := newRegion(name, r.data, nil)
	view.keep = r.keep
	return view, nil
}

// Lookup returns the region registered under name, live or closed.
func (n *Namespace) Lookup(name string) (*Region, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.regions[name]
	return r, ok
}
