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

package inject

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/walteh/uwpdump/pkg/dumperr"
	"github.com/walteh/uwpdump/pkg/shm"
	"gitlab.com/tozd/go/errors"
)

// DefaultExitGrace is how long Release waits for a loopback child to exit.
const DefaultExitGrace = 2 * time.Second

// 🔁 Loopback runs the payload in a child process instead of the target.
// The child maps the region by name exactly as a loaded payload would, so
// the full host protocol runs on any platform.
type Loopback struct {
	// Executable is the binary to start. Empty means the running binary.
	Executable string
	// Args precede the region and pid flags, e.g. ["guest"].
	Args []string
	// RegionName derives the region identifier. Nil means shm.RegionName.
	RegionName func(pid uint32) string
	Stdout     io.Writer
	Stderr     io.Writer
	ExitGrace  time.Duration
}

// Probe accepts any pid; the child stands in for the target.
func (l *Loopback) Probe(ctx context.Context, pid uint32) error {
	return nil
}

// Inject starts the child. payloadPath is not loaded; the child binary
// carries the payload runtime itself.
func (l *Loopback) Inject(ctx context.Context, pid uint32, payloadPath string) (*Handle, error) {
	exe := l.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, dumperr.New(dumperr.ErrInjectionFailed, "locate executable", err)
		}
		exe = self
	}
	regionName := shm.RegionName
	if l.RegionName != nil {
		regionName = l.RegionName
	}

	args := append(append([]string{}, l.Args...), "--region", regionName(pid), "--pid", strconv.FormatUint(uint64(pid), 10))
	cmd := exec.Command(exe, args...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return nil, dumperr.NewPath(dumperr.ErrInjectionFailed, "start loopback payload", exe, err)
	}

	grace := l.ExitGrace
	if grace <= 0 {
		grace = DefaultExitGrace
	}
	child := &childProcess{cmd: cmd, done: make(chan struct{}), grace: grace}
	go func() {
		child.waitErr = cmd.Wait()
		close(child.done)
	}()

	zerolog.Ctx(ctx).Debug().Str("exe", exe).Strs("args", args).Int("child", cmd.Process.Pid).Msg("started loopback payload")
	return NewHandle(pid, uintptr(cmd.Process.Pid), child), nil
}

type childProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
	grace   time.Duration
}

func (c *childProcess) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close waits for the child to leave on its own and kills it after the
// grace period.
func (c *childProcess) Close() error {
	select {
	case <-c.done:
		return nil
	case <-time.After(c.grace):
	}
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Errorf("killing loopback payload: %w", err)
	}
	<-c.done
	return nil
}
