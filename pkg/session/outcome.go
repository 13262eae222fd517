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
	"time"

	"github.com/google/uuid"
	"github.com/walteh/uwpdump/pkg/discovery"
	"github.com/walteh/uwpdump/pkg/dumperr"
)

// Status is the terminal classification of a session.
type Status int

const (
	StatusCompleted Status = iota
	StatusCompletedWithErrors
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCompletedWithErrors:
		return "completed with errors"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Process exit codes for each status.
const (
	ExitCompleted           = 0
	ExitFailed              = 1
	ExitCompletedWithErrors = 3
	ExitCancelled           = 130
)

// 🏁 Outcome is how a session ended
type Outcome struct {
	Status Status
	// Failures counts failed files for StatusCompletedWithErrors.
	Failures int
	// Reason names the error kind for StatusFailed.
	Reason string
	Err    error
}

// ExitCode maps the outcome to the process exit status.
func (o Outcome) ExitCode() int {
	switch o.Status {
	case StatusCompleted:
		return ExitCompleted
	case StatusCompletedWithErrors:
		return ExitCompletedWithErrors
	case StatusCancelled:
		return ExitCancelled
	default:
		return ExitFailed
	}
}

func (o Outcome) String() string {
	switch o.Status {
	case StatusCompletedWithErrors:
		return fmt.Sprintf("%s (%d)", o.Status, o.Failures)
	case StatusFailed:
		return fmt.Sprintf("%s: %s", o.Status, o.Reason)
	default:
		return o.Status.String()
	}
}

func failedOutcome(err error) Outcome {
	reason := "error"
	if kind := dumperr.KindOf(err); kind != nil {
		reason = kind.Error()
	}
	return Outcome{Status: StatusFailed, Reason: reason, Err: err}
}

// Phase tells which step of the pipeline a file failed in.
type Phase string

const (
	PhaseStage   Phase = "stage"
	PhaseCollect Phase = "collect"
)

// FileError is one failed path and the reason it failed.
type FileError struct {
	Path   string
	Reason string
	Phase  Phase
}

// Stats accumulates per-file events.
type Stats struct {
	FilesStarted int
	FilesCopied  int
	BytesCopied  int64
	FilesFailed  int
	// FilesCollected counts files fanned out to the destination.
	FilesCollected int
}

// StagedFile is one file the payload staged.
type StagedFile struct {
	Path   string
	Bytes  int64
	Digest string
}

// 📄 Report is the end-of-session summary
type Report struct {
	SessionID   uuid.UUID
	Target      discovery.Target
	Outcome     Outcome
	Attempted   int
	Succeeded   int
	Failed      []FileError
	Staged      []StagedFile
	Bytes       int64
	Duration    time.Duration
	StagingRoot string
	Destination string
}

// Report summarizes the session as it stands.
func (s *Session) Report() Report {
	collectFailed := 0
	for _, e := range s.Errors {
		if e.Phase == PhaseCollect {
			collectFailed++
		}
	}
	staged := make([]StagedFile, 0, len(s.staged))
	for _, p := range s.staged {
		staged = append(staged, StagedFile{Path: p, Bytes: s.sizes[p], Digest: s.digests[p]})
	}
	return Report{
		SessionID:   s.ID,
		Target:      s.Target,
		Outcome:     s.outcome,
		Attempted:   s.Stats.FilesCopied + s.Stats.FilesFailed,
		Succeeded:   s.Stats.FilesCopied - collectFailed,
		Failed:      append([]FileError(nil), s.Errors...),
		Staged:      staged,
		Bytes:       s.Stats.BytesCopied,
		Duration:    s.Finished.Sub(s.Started),
		StagingRoot: s.StagingRoot,
		Destination: s.Destination,
	}
}
