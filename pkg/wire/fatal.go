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

package wire

import (
	"github.com/walteh/uwpdump/pkg/dumperr"
	"gitlab.com/tozd/go/errors"
)

// KindNotPackaged marks a payload loaded into a process with no package identity.
const KindNotPackaged = "not packaged"

var fatalKinds = []error{
	dumperr.ErrPermissionDenied,
	dumperr.ErrProtocolMismatch,
	dumperr.ErrProtocolViolation,
	dumperr.ErrDiskSpaceInsufficient,
	dumperr.ErrProcessLost,
	dumperr.ErrCancelled,
}

// FatalFrom builds the Fatal event describing err.
func FatalFrom(err error) Fatal {
	kind := "error"
	if k := dumperr.KindOf(err); k != nil {
		kind = k.Error()
	}
	return Fatal{Kind: kind, Reason: err.Error()}
}

// Err turns a received Fatal back into an error of the matching kind.
func (m Fatal) Err() error {
	for _, kind := range fatalKinds {
		if kind.Error() == m.Kind {
			return dumperr.New(kind, "payload", errors.New(m.Reason))
		}
	}
	if m.Kind == KindNotPackaged {
		return dumperr.New(dumperr.ErrInjectionFailed, "payload", errors.Errorf("target has no package identity: %s", m.Reason))
	}
	return errors.Errorf("payload fatal %s: %s", m.Kind, m.Reason)
}
