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

package dumperr

import (
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

func classifyErrno(err error) (string, bool) {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return "", false
	}
	switch errno {
	case unix.EWOULDBLOCK:
		return ReasonLocked, true
	case unix.ENOSPC, unix.EDQUOT:
		return ReasonDiskFull, true
	case unix.ENAMETOOLONG:
		return ReasonPathTooLong, true
	case unix.EACCES, unix.EPERM:
		return ReasonAccessDenied, true
	case unix.ENOENT:
		return ReasonNotFound, true
	}
	return "", false
}
