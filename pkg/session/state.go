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

package session

import (
	"fmt"

	"gitlab.com/tozd/go/errors"
)

// ErrInvalidTransition rejects a state change the lifecycle does not allow.
var ErrInvalidTransition = errors.Base("invalid state transition")

// 🚦 State is a step of the session lifecycle
type State int

const (
	Idle State = iota
	Discovering
	Attaching
	Injecting
	Handshaking
	Dumping
	Collecting
	Finalizing
	Completed
	Failed
	Cancelled
)

var stateNames = [...]string{
	Idle:        "idle",
	Discovering: "discovering",
	Attaching:   "attaching",
	Injecting:   "injecting",
	Handshaking: "handshaking",
	Dumping:     "dumping",
	Collecting:  "collecting",
	Finalizing:  "finalizing",
	Completed:   "completed",
	Failed:      "failed",
	Cancelled:   "cancelled",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Transition checks a move from one state to another. The lifecycle only
// moves one step forward; any live state may fail or be cancelled; nothing
// leaves a terminal state.
func Transition(from, to State) error {
	switch {
	case from.Terminal():
		return errors.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	case to == Failed, to == Cancelled:
		return nil
	case from < Finalizing && to == from+1:
		return nil
	case from == Finalizing && to == Completed:
		return nil
	default:
		return errors.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
}
