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

// Package report renders a session for a person at a terminal and mirrors
// every line to the structured log.
package report

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/walteh/uwpdump/pkg/manifest"
	"github.com/walteh/uwpdump/pkg/session"
)

// DefaultLineInterval throttles plain progress lines.
const DefaultLineInterval = time.Second

// 🎯 Console reports a session as human lines with structured log mirroring
type Console struct {
	zlog        zerolog.Logger
	console     io.Writer
	interactive bool
	every       time.Duration

	mu       sync.Mutex
	bar      *pterm.ProgressbarPrinter
	lastLine time.Time
	now      func() time.Time
}

var _ session.Reporter = (*Console)(nil)

// 🏭 New creates a console writing to w. Interactive consoles draw a
// progress bar for the collect phase.
func New(w io.Writer, zlog zerolog.Logger, interactive bool) *Console {
	return &Console{
		zlog:        zlog,
		console:     w,
		interactive: interactive,
		every:       DefaultLineInterval,
		now:         time.Now,
	}
}

// NewTerminal creates a console on f, interactive when f is a terminal.
func NewTerminal(f *os.File, zlog zerolog.Logger) *Console {
	tty := isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	return New(f, zlog, tty)
}

// Header prints the banner for a session.
func (c *Console) Header(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := color.New(color.Bold, color.FgCyan).Sprint("uwpdump")
	fmt.Fprintf(c.console, "\n%s %s\n\n", name, color.New(color.Faint).Sprint("• "+msg))
	c.zlog.Info().Msg(msg)
}

// State prints each lifecycle step.
func (c *Console) State(s session.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopBar()
	fmt.Fprintln(c.console, FormatState(s))
	c.zlog.Debug().Stringer("state", s).Msg("session state")
}

// Progress draws the bar, or prints a throttled plain line.
func (c *Console) Progress(p session.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.interactive && p.Total > 0 {
		c.advanceBar(p)
		return
	}

	now := c.now()
	if !c.lastLine.IsZero() && now.Sub(c.lastLine) < c.every && (p.Total == 0 || p.Done < p.Total) {
		return
	}
	c.lastLine = now
	fmt.Fprintln(c.console, FormatProgress(p))
	c.zlog.Debug().
		Str("phase", string(p.Phase)).
		Str("path", p.Path).
		Int64("bytes", p.BytesSoFar).
		Int("done", p.Done).
		Int("total", p.Total).
		Msg("progress")
}

func (c *Console) advanceBar(p session.Progress) {
	if c.bar == nil {
		bar, err := pterm.DefaultProgressbar.
			WithTotal(p.Total).
			WithTitle(string(p.Phase)).
			WithWriter(c.console).
			Start()
		if err != nil {
			c.zlog.Debug().Err(err).Msg("starting progress bar")
			c.interactive = false
			fmt.Fprintln(c.console, FormatProgress(p))
			return
		}
		c.bar = bar
	}
	c.bar.UpdateTitle(p.Path)
	if delta := p.Done - c.bar.Current; delta > 0 {
		c.bar.Add(delta)
	}
}

func (c *Console) stopBar() {
	if c.bar == nil {
		return
	}
	if _, err := c.bar.Stop(); err != nil {
		c.zlog.Debug().Err(err).Msg("stopping progress bar")
	}
	c.bar = nil
}

// FileFailed prints a failed file as soon as it is known.
func (c *Console) FileFailed(f session.FileError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bar == nil {
		fmt.Fprintln(c.console, FormatFailure(f))
	}
	c.zlog.Warn().Str("path", f.Path).Str("reason", f.Reason).Str("phase", string(f.Phase)).Msg("file failed")
}

// Check prints one manifest check. Matching files only print when verbose.
func (c *Console) Check(ch manifest.Check, verbose bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ch.OK() || verbose {
		fmt.Fprintln(c.console, FormatCheck(ch))
	}
	ev := c.zlog.Debug()
	if !ch.OK() {
		ev = c.zlog.Warn().Err(ch.Err)
	}
	ev.Str("path", ch.Entry.Path).Stringer("status", ch.Status).Msg("checked file")
}

// Summary prints the totals and every failed path with its reason.
func (c *Console) Summary(r session.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopBar()

	fmt.Fprintln(c.console)
	fmt.Fprintln(c.console, FormatOutcome(r.Outcome))
	fmt.Fprintf(c.console, "   %s\n", FormatTotals(r))
	if r.Destination != "" {
		fmt.Fprintf(c.console, "   %s %s\n", color.New(color.Faint).Sprint("files in"), color.CyanString(r.Destination))
	}
	if len(r.Failed) > 0 {
		fmt.Fprintf(c.console, "   %s\n", color.New(color.Bold).Sprint("failed files:"))
		for _, f := range r.Failed {
			fmt.Fprintln(c.console, FormatFailure(f))
		}
	}
	if r.Outcome.Err != nil && r.Outcome.Status == session.StatusFailed {
		fmt.Fprintf(c.console, "   %s\n", color.RedString(r.Outcome.Err.Error()))
	}

	ev := c.zlog.Info()
	if r.Outcome.Status == session.StatusFailed {
		ev = c.zlog.Error().Err(r.Outcome.Err)
	}
	ev.Str("session", r.SessionID.String()).
		Stringer("outcome", r.Outcome).
		Int("attempted", r.Attempted).
		Int("succeeded", r.Succeeded).
		Int("failed", len(r.Failed)).
		Int64("bytes", r.Bytes).
		Dur("duration", r.Duration).
		Str("staging", r.StagingRoot).
		Str("destination", r.Destination).
		Msg("summary")
}

// Info prints an informational line.
func (c *Console) Info(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.console, "ℹ️  %s\n", color.New(color.FgCyan).Sprint(msg))
	c.zlog.Info().Msg(msg)
}

// Infof formats and prints an informational line.
func (c *Console) Infof(format string, args ...any) {
	c.Info(fmt.Sprintf(format, args...))
}
