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

// Package inject loads the payload into a target process and tracks the
// resulting handle.
//
// The OS-facing calls sit behind ProcessAPI so the ordering and unwind rules
// of Inject hold (and are tested) on every platform.
package inject

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/rs/zerolog"
	"github.com/walteh/uwpdump/pkg/dumperr"
	"gitlab.com/tozd/go/errors"
)

// DefaultLoadTimeout bounds the wait for the remote loader thread.
const DefaultLoadTimeout = 10 * time.Second

// Lifecycle is the part of an opened process a Handle keeps.
type Lifecycle interface {
	Alive() bool
	Close() error
}

// 🎯 Process is an opened target
type Process interface {
	Lifecycle
	Is64Bit() (bool, error)
	Alloc(size int) (uintptr, error)
	Write(addr uintptr, data []byte) error
	Free(addr uintptr) error
	StartRemote(entry, arg uintptr) (Thread, error)
}

// Thread is a remote thread started in a target.
type Thread interface {
	// Wait blocks up to timeout and returns the thread's exit code.
	Wait(timeout time.Duration) (uint32, error)
	Close() error
}

// 🖥️ ProcessAPI is the operating system surface the injector drives
type ProcessAPI interface {
	Open(pid uint32) (Process, error)
	HostIs64Bit() bool
	// LoaderEntry returns the address of the remote library loader routine.
	LoaderEntry() (uintptr, error)
}

// ModuleFinder is implemented by processes that can report where a library
// is mapped. The loader thread's exit code carries only the low 32 bits of
// the module base, so the full base comes from here when available.
type ModuleFinder interface {
	// FindModule returns the base of the module loaded from path, and false
	// when no such module is loaded.
	FindModule(path string) (uintptr, bool, error)
}

// ErrLoadTimeout means the loader thread did not finish in time.
var ErrLoadTimeout = errors.Base("loader thread timed out")

// 🔌 Handle tracks a loaded payload until it is released
type Handle struct {
	PID uint32
	// ModuleBase is the full base when the process is a ModuleFinder,
	// otherwise the loader's low dword.
	ModuleBase uintptr

	lc   Lifecycle
	once sync.Once
	err  error
}

// NewHandle wraps lc for pid.
func NewHandle(pid uint32, moduleBase uintptr, lc Lifecycle) *Handle {
	return &Handle{PID: pid, ModuleBase: moduleBase, lc: lc}
}

// Alive reports whether the target is still running.
func (h *Handle) Alive() bool {
	return h.lc.Alive()
}

// Release closes the process handle. Later calls return the first result.
func (h *Handle) Release() error {
	h.once.Do(func() {
		h.err = h.lc.Close()
	})
	return h.err
}

// 💉 Injector loads a payload library into a target with a remote loader thread
type Injector struct {
	api         ProcessAPI
	loadTimeout time.Duration
}

// New returns an injector driving api.
func New(api ProcessAPI, loadTimeout time.Duration) *Injector {
	if loadTimeout <= 0 {
		loadTimeout = DefaultLoadTimeout
	}
	return &Injector{api: api, loadTimeout: loadTimeout}
}

// Default returns an injector for the running platform.
func Default() *Injector {
	return New(NativeAPI(), DefaultLoadTimeout)
}

func (i *Injector) open(pid uint32) (Process, error) {
	if pid == 0 {
		return nil, dumperr.New(dumperr.ErrProcessNotFound, "open process", errors.New("pid 0"))
	}
	return i.api.Open(pid)
}

// Probe checks that pid exists and can be opened.
func (i *Injector) Probe(ctx context.Context, pid uint32) error {
	proc, err := i.open(pid)
	if err != nil {
		return err
	}
	if err := proc.Close(); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Uint32("pid", pid).Msg("closing probed process")
	}
	return nil
}

// Inject loads payloadPath into pid. On any failure every partial remote
// allocation is freed and the process handle is closed before returning.
// A bitness mismatch is detected before anything is allocated.
func (i *Injector) Inject(ctx context.Context, pid uint32, payloadPath string) (_ *Handle, rerr error) {
	log := zerolog.Ctx(ctx).With().Uint32("pid", pid).Logger()

	abs, err := filepath.Abs(payloadPath)
	if err != nil {
		return nil, dumperr.NewPath(dumperr.ErrInjectionFailed, "resolve payload", payloadPath, err)
	}
	if st, err := os.Stat(abs); err != nil {
		return nil, dumperr.NewPath(dumperr.ErrInjectionFailed, "stat payload", abs, err)
	} else if st.IsDir() {
		return nil, dumperr.NewPath(dumperr.ErrInjectionFailed, "stat payload", abs, errors.New("is a directory"))
	}

	proc, err := i.open(pid)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr != nil {
			if err := proc.Close(); err != nil {
				log.Debug().Err(err).Msg("closing process after failed injection")
			}
		}
	}()

	is64, err := proc.Is64Bit()
	if err != nil {
		return nil, dumperr.New(dumperr.ErrInjectionFailed, "query bitness", err)
	}
	if is64 != i.api.HostIs64Bit() {
		return nil, dumperr.New(dumperr.ErrUnsupportedArchitecture, "query bitness", errors.Errorf("target 64-bit=%t, host 64-bit=%t", is64, i.api.HostIs64Bit()))
	}

	entry, err := i.api.LoaderEntry()
	if err != nil {
		return nil, dumperr.New(dumperr.ErrInjectionFailed, "resolve loader", err)
	}

	arg := utf16Path(abs)
	addr, err := proc.Alloc(len(arg))
	if err != nil {
		return nil, dumperr.New(dumperr.ErrInjectionFailed, "allocate remote path", err)
	}

	// the loader thread reads addr; it is only freed once the thread is done
	// or never started
	freeArg := true
	defer func() {
		if !freeArg {
			log.Warn().Uint64("addr", uint64(addr)).Msg("leaving remote path allocated, loader thread still running")
			return
		}
		if err := proc.Free(addr); err != nil {
			log.Debug().Err(err).Msg("freeing remote path")
		}
	}()

	if err := proc.Write(addr, arg); err != nil {
		return nil, dumperr.New(dumperr.ErrInjectionFailed, "write remote path", err)
	}

	thread, err := proc.StartRemote(entry, addr)
	if err != nil {
		return nil, dumperr.New(dumperr.ErrInjectionFailed, "start loader thread", err)
	}
	defer thread.Close()

	log.Debug().Str("payload", abs).Dur("timeout", i.loadTimeout).Msg("waiting for loader thread")

	code, err := thread.Wait(i.loadTimeout)
	if err != nil {
		if errors.Is(err, ErrLoadTimeout) {
			freeArg = false
		}
		return nil, dumperr.New(dumperr.ErrInjectionFailed, "wait loader thread", err)
	}
	base, err := moduleBase(log, proc, abs, code)
	if err != nil {
		return nil, err
	}

	log.Info().Str("payload", abs).Uint64("base", uint64(base)).Msg("payload loaded")
	return NewHandle(pid, base, proc), nil
}

// moduleBase resolves where the payload landed. Without a ModuleFinder only
// the low dword from the loader is known, and zero there means the load
// failed.
func moduleBase(log zerolog.Logger, proc Process, path string, code uint32) (uintptr, error) {
	if mf, ok := proc.(ModuleFinder); ok {
		base, found, err := mf.FindModule(path)
		switch {
		case err == nil && found:
			return base, nil
		case err == nil:
			return 0, dumperr.NewPath(dumperr.ErrInjectionFailed, "load payload", path, errors.New("payload module is not loaded in the target"))
		default:
			log.Debug().Err(err).Msg("listing target modules, using loader exit code")
		}
	}
	if code == 0 {
		return 0, dumperr.NewPath(dumperr.ErrInjectionFailed, "load payload", path, errors.New("loader returned a null module"))
	}
	return uintptr(code), nil
}

// utf16Path returns p as a NUL-terminated little-endian UTF-16 string.
func utf16Path(p string) []byte {
	units := utf16.Encode([]rune(p))
	b := make([]byte, 2*(len(units)+1))
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2*i:], u)
	}
	return b
}
