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

// Package dumperr defines the error taxonomy shared by the host and the payload.
//
// Every failure is one of a small set of kinds. Per-file kinds are recovered
// locally and recorded in the report; every other kind ends the session.
package dumperr

import (
	"fmt"

	"gitlab.com/tozd/go/errors"
)

// 🚨 Session-fatal kinds
var (
	ErrPermissionDenied        = errors.Base("permission denied")
	ErrProcessNotFound         = errors.Base("process not found")
	ErrUnsupportedArchitecture = errors.Base("unsupported architecture")
	ErrInjectionFailed         = errors.Base("injection failed")
	ErrProtocolMismatch        = errors.Base("protocol mismatch")
	ErrHandshakeTimeout        = errors.Base("handshake timeout")
	ErrProcessLost             = errors.Base("process lost")
	ErrProtocolViolation       = errors.Base("protocol violation")
	ErrDiskSpaceInsufficient   = errors.Base("disk space insufficient")
	ErrCancelled               = errors.Base("cancelled")
)

// 📄 Per-file kinds, never fatal to a run
var (
	ErrFileCopyFailed = errors.Base("file copy failed")
	ErrFileLocked     = errors.Base("file locked")
	ErrPathTooLong    = errors.Base("path too long")
)

// 🔁 Ring-level conditions
var (
	ErrWouldBlock = errors.Base("would block")
	ErrEmpty      = errors.Base("empty")
	ErrTimeout    = errors.Base("timeout")
)

// Error attaches an operation and an optional path to a kind and its cause.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

// New returns an *Error of the given kind.
func New(kind error, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// NewPath returns an *Error of the given kind for a file path.
func NewPath(kind error, op, path string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is the kind of this error.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

var fatalKinds = []error{
	ErrPermissionDenied,
	ErrProcessNotFound,
	ErrUnsupportedArchitecture,
	ErrInjectionFailed,
	ErrProtocolMismatch,
	ErrHandshakeTimeout,
	ErrProcessLost,
	ErrProtocolViolation,
	ErrDiskSpaceInsufficient,
	ErrCancelled,
}

// KindOf returns the taxonomy kind of err, or nil when err carries none.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range fatalKinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	for _, kind := range []error{ErrFileLocked, ErrPathTooLong, ErrFileCopyFailed, ErrTimeout, ErrWouldBlock, ErrEmpty} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Fatal reports whether err must end a session. Per-file failures and
// untyped I/O errors raised while copying a single file are not fatal.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	for _, kind := range fatalKinds {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
