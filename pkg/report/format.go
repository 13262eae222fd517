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

package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/walteh/uwpdump/pkg/manifest"
	"github.com/walteh/uwpdump/pkg/session"
)

// 🎨 Display configuration
const (
	fileIndent  = 4  // spaces to indent file entries
	nameWidth   = 35 // Base width for filename
	reasonWidth = 15 // Width for failure reason
)

// 🎯 FormatFailure formats one failed file for display
func FormatFailure(f session.FileError) string {
	return fmt.Sprintf("%s%s %s %s %s",
		strings.Repeat(" ", fileIndent),
		color.RedString("✗"),
		fmt.Sprintf("%-*s", nameWidth, f.Path),
		color.YellowString(fmt.Sprintf("%-*s", reasonWidth, f.Reason)),
		color.HiBlackString(string(f.Phase)))
}

// FormatProgress formats a progress update as a single line.
func FormatProgress(p session.Progress) string {
	switch {
	case p.Total > 0:
		return fmt.Sprintf("⏳ %s %d/%d %s", p.Phase, p.Done, p.Total, p.Path)
	case p.Size > 0:
		return fmt.Sprintf("⏳ %s %s %s / %s (%d done, %d failed)",
			p.Phase, p.Path, humanize.Bytes(uint64(p.BytesSoFar)), humanize.Bytes(uint64(p.Size)), p.Done, p.Failed)
	default:
		return fmt.Sprintf("⏳ %s %s (%d done, %d failed)", p.Phase, p.Path, p.Done, p.Failed)
	}
}

// FormatState formats a lifecycle step.
func FormatState(s session.State) string {
	var c *color.Color
	switch s {
	case session.Completed:
		c = color.New(color.FgGreen)
	case session.Failed:
		c = color.New(color.FgRed)
	case session.Cancelled:
		c = color.New(color.FgYellow)
	default:
		c = color.New(color.Faint)
	}
	return fmt.Sprintf("%s %s", color.New(color.FgMagenta).Sprint("◆"), c.Sprint(s.String()))
}

// FormatOutcome colours the outcome line.
func FormatOutcome(o session.Outcome) string {
	switch o.Status {
	case session.StatusCompleted:
		return fmt.Sprintf("✅ %s", color.GreenString(o.String()))
	case session.StatusCompletedWithErrors, session.StatusCancelled:
		return fmt.Sprintf("⚠️  %s", color.YellowString(o.String()))
	default:
		return fmt.Sprintf("❌ %s", color.RedString(o.String()))
	}
}

// FormatTotals formats the counters of a report.
func FormatTotals(r session.Report) string {
	return fmt.Sprintf("%d attempted, %d succeeded, %d failed, %s in %s",
		r.Attempted, r.Succeeded, len(r.Failed), humanize.Bytes(uint64(r.Bytes)), r.Duration.Round(100*time.Millisecond))
}

// FormatCheck formats one manifest check the way failed files are shown.
func FormatCheck(c manifest.Check) string {
	mark := color.GreenString("✓")
	status := color.HiBlackString(fmt.Sprintf("%-*s", reasonWidth, c.Status))
	if !c.OK() {
		mark = color.RedString("✗")
		status = color.YellowString(fmt.Sprintf("%-*s", reasonWidth, c.Status))
	}
	return fmt.Sprintf("%s%s %s %s %s",
		strings.Repeat(" ", fileIndent),
		mark,
		fmt.Sprintf("%-*s", nameWidth, c.Entry.Path),
		status,
		color.HiBlackString(humanize.Bytes(uint64(c.Entry.Bytes))))
}
