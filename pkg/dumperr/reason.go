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

package dumperr

import (
	"context"
	"os"

	"gitlab.com/tozd/go/errors"
)

// 🏷️ Short, stable per-file failure reasons
const (
	ReasonLocked       = "locked"
	ReasonAccessDenied = "access denied"
	ReasonNotFound     = "not found"
	ReasonDiskFull     = "disk full"
	ReasonPathTooLong  = "path too long"
	ReasonCancelled    = "cancelled"
)

// Reason maps a per-file failure to the reason recorded in the error log.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrFileLocked):
		return ReasonLocked
	case errors.Is(err, ErrPathTooLong):
		return ReasonPathTooLong
	case errors.Is(err, ErrDiskSpaceInsufficient):
		return ReasonDiskFull
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ReasonCancelled
	}
	if reason, ok := classifyErrno(err); ok {
		return reason
	}
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, os.ErrPermission):
		return ReasonAccessDenied
	case errors.Is(err, os.ErrNotExist):
		return ReasonNotFound
	}
	return "io error: " + rootMessage(err)
}

// rootMessage returns the message of the innermost wrapped error so the
// reason does not repeat every layer of context.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
