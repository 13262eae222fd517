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

// Command uwpdump-payload builds the library the injector loads into a
// packaged process:
//
//	go build -buildmode=c-shared -o uwpdump-payload.dll ./cmd/uwpdump-payload
//
// Loading it starts the payload runtime on its own goroutine. The Go
// runtime cannot be unloaded, so the library stays mapped until the target
// exits.
package main

import "C"

import (
	"context"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/walteh/uwpdump/pkg/payload"
	"github.com/walteh/uwpdump/pkg/shm"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/windows"
)

const appmodelErrorNoPackage = 15700

var procGetCurrentPackageFullName = windows.NewLazySystemDLL("kernel32.dll").NewProc("GetCurrentPackageFullName")

// checkIdentity fails for a process that runs without a package identity.
func checkIdentity() error {
	if err := procGetCurrentPackageFullName.Find(); err != nil {
		return errors.Errorf("package identity unavailable: %w", err)
	}
	var length uint32
	r, _, _ := procGetCurrentPackageFullName.Call(uintptr(unsafe.Pointer(&length)), 0)
	if r == appmodelErrorNoPackage {
		return errors.New("process has no package identity")
	}
	return nil
}

func newLogger() zerolog.Logger {
	f, err := os.OpenFile(filepath.Join(os.TempDir(), "uwpdump-payload.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Nop()
	}
	return zerolog.New(f).With().Timestamp().Logger()
}

func start() {
	logger := newLogger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("payload panicked")
		}
	}()

	pid := windows.GetCurrentProcessId()
	ctx := logger.WithContext(context.Background())
	err := payload.Run(ctx, payload.Options{
		RegionName:    shm.RegionName(pid),
		PID:           pid,
		CheckIdentity: checkIdentity,
	})
	if err != nil {
		logger.Error().Err(err).Msg("payload stopped")
		return
	}
	logger.Info().Msg("payload finished")
}

func init() {
	go start()
}

func main() {}
