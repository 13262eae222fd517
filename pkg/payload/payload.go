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

// Package payload is the runtime that executes inside the target process.
//
// It maps the region named by the host, handshakes, stages every file of the
// package root into the staging root one file at a time, and reports each
// outcome as an event. Nothing here may take the host application down: Run
// returns errors and never panics on its own.
package payload

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/walteh/uwpdump/pkg/dumperr"
	"github.com/walteh/uwpdump/pkg/ipc"
	"github.com/walteh/uwpdump/pkg/shm"
	"github.com/walteh/uwpdump/pkg/wire"
	"gitlab.com/tozd/go/errors"
)

// ⚙️ Defaults
const (
	DefaultHeartbeatInterval = 500 * time.Millisecond
	DefaultPollInterval      = 5 * time.Millisecond
	DefaultStartTimeout      = 30 * time.Second
	DefaultAckWait           = 5 * time.Second
	DefaultProgressEvery     = 1 << 20
	ChunkSize                = 64 << 10
)

// Options configure one payload run.
type Options struct {
	// RegionName identifies the region created by the host.
	RegionName string
	// Opener maps the region. Nil means shm.Open.
	Opener shm.Opener
	// FS is the filesystem to read and stage through. Nil means OSFS.
	FS FS
	// PID is reported in the handshake.
	PID uint32
	// CheckIdentity, when set, runs before staging and fails for a process
	// without a package identity.
	CheckIdentity func() error

	IPC               ipc.Options
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	StartTimeout      time.Duration
	AckWait           time.Duration
}

func (o Options) withDefaults() Options {
	if o.Opener == nil {
		o.Opener = shm.Open
	}
	if o.FS == nil {
		o.FS = OSFS{}
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.AckWait <= 0 {
		o.AckWait = DefaultAckWait
	}
	return o
}

// errShutdown unwinds the run when the host sends Shutdown.
var errShutdown = errors.Base("shutdown requested")

// 🚀 Run executes the payload until the dump is acknowledged, the host asks
// it to stop, or the host disappears.
func Run(ctx context.Context, opts Options) error {
	opts = opts.withDefaults()
	log := zerolog.Ctx(ctx).With().Str("region", opts.RegionName).Uint32("pid", opts.PID).Logger()
	ctx = log.WithContext(ctx)

	region, err := opts.Opener(opts.RegionName)
	if err != nil {
		log.Error().Err(err).Msg("mapping region")
		return errors.Errorf("mapping region %q: %w", opts.RegionName, err)
	}
	defer func() {
		if err := region.Close(); err != nil {
			log.Debug().Err(err).Msg("unmapping region")
		}
	}()

	guest, err := ipc.NewGuest(region, opts.IPC)
	if guest == nil {
		log.Error().Err(err).Msg("attaching to region")
		return err
	}
	if err != nil {
		log.Error().Err(err).Msg("attaching to region")
		if sendErr := guest.TrySend(wire.FatalFrom(err)); sendErr != nil {
			log.Debug().Err(sendErr).Msg("reporting protocol mismatch")
		}
		return err
	}

	stop := guest.StartHeartbeat(ctx, opts.HeartbeatInterval)
	defer stop()

	r := &runner{
		ctx:   ctx,
		log:   &log,
		opts:  opts,
		fs:    opts.FS,
		guest: guest,
		buf:   make([]byte, ChunkSize),
	}
	return r.run()
}

type runner struct {
	ctx   context.Context
	log   *zerolog.Logger
	opts  Options
	fs    FS
	guest *ipc.Guest
	buf   []byte

	progressEvery int64
	beatSeq       uint64
	lastBeat      time.Time

	copied uint64
	failed uint64
	bytes  uint64
}

func (r *runner) run() error {
	if err := r.send(wire.Handshake{PID: r.opts.PID, ProtocolVersion: wire.ProtocolVersion}); err != nil {
		return err
	}
	r.log.Debug().Msg("handshake sent")

	start, err := r.awaitStart()
	if errors.Is(err, errShutdown) {
		return r.stopped()
	}
	if err != nil {
		return err
	}

	err = r.dump(start)
	if errors.Is(err, errShutdown) {
		return r.stopped()
	}
	return err
}

func (r *runner) send(m wire.Message) error {
	return r.guest.Send(r.ctx, m)
}

// fatal reports err to the host, best effort, and returns it.
func (r *runner) fatal(err error) error {
	r.log.Error().Err(err).Msg("payload failed")
	if sendErr := r.send(wire.FatalFrom(err)); sendErr != nil {
		r.log.Debug().Err(sendErr).Msg("reporting fatal error")
	}
	return err
}

func (r *runner) stopped() error {
	r.log.Info().Msg("stopping on host request")
	if err := r.send(wire.Stopped{}); err != nil {
		r.log.Debug().Err(err).Msg("acknowledging shutdown")
	}
	return dumperr.New(dumperr.ErrCancelled, "payload", errShutdown)
}

// logf writes a line to the payload log and forwards it to the host.
func (r *runner) logf(level zerolog.Level, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	r.log.WithLevel(level).Msg(text)
	if err := r.send(wire.Log{Level: level.String(), Text: text}); err != nil {
		r.log.Debug().Err(err).Msg("forwarding log line")
	}
}

func (r *runner) checkHost() error {
	if r.guest.PeerAlive(time.Now()) {
		return nil
	}
	return dumperr.New(dumperr.ErrProcessLost, "host heartbeat", errors.Errorf("last beat %s", r.guest.PeerLastBeat().Format(time.RFC3339Nano)))
}

func (r *runner) sleep() error {
	t := time.NewTimer(r.opts.PollInterval)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
		return dumperr.New(dumperr.ErrCancelled, "payload", r.ctx.Err())
	case <-t.C:
		return nil
	}
}

func (r *runner) awaitStart() (wire.StartDump, error) {
	deadline := time.Now().Add(r.opts.StartTimeout)
	for {
		msg, err := r.guest.Receive()
		switch {
		case err == nil:
			switch m := msg.(type) {
			case wire.StartDump:
				return m, nil
			case wire.Shutdown:
				return wire.StartDump{}, errShutdown
			default:
				r.log.Debug().Stringer("tag", msg.Tag()).Msg("ignoring command before start")
			}
			continue
		case errors.Is(err, dumperr.ErrEmpty):
		default:
			return wire.StartDump{}, err
		}

		if err := r.checkHost(); err != nil {
			return wire.StartDump{}, err
		}
		if time.Now().After(deadline) {
			return wire.StartDump{}, dumperr.New(dumperr.ErrHandshakeTimeout, "await start", errors.Errorf("no StartDump within %s", r.opts.StartTimeout))
		}
		if err := r.sleep(); err != nil {
			return wire.StartDump{}, err
		}
	}
}

// poll drains pending commands without blocking.
func (r *runner) poll() error {
	for {
		msg, err := r.guest.Receive()
		if errors.Is(err, dumperr.ErrEmpty) {
			return nil
		}
		if err != nil {
			return err
		}
		switch msg.(type) {
		case wire.Shutdown:
			return errShutdown
		default:
			r.log.Debug().Stringer("tag", msg.Tag()).Msg("ignoring command during dump")
		}
	}
}

// tick runs between chunks and files: in-band heartbeat, commands, host
// liveness.
func (r *runner) tick() error {
	if err := r.ctx.Err(); err != nil {
		return dumperr.New(dumperr.ErrCancelled, "payload", err)
	}
	if now := time.Now(); now.Sub(r.lastBeat) >= r.opts.HeartbeatInterval {
		r.beatSeq++
		r.lastBeat = now
		if err := r.send(wire.Heartbeat{Seq: r.beatSeq}); err != nil {
			return err
		}
	}
	if err := r.poll(); err != nil {
		return err
	}
	return r.checkHost()
}

func (r *runner) awaitAck() error {
	deadline := time.Now().Add(r.opts.AckWait)
	for {
		msg, err := r.guest.Receive()
		switch {
		case err == nil:
			switch msg.(type) {
			case wire.Ack:
				r.log.Debug().Msg("dump acknowledged")
				return nil
			case wire.Shutdown:
				if err := r.send(wire.Stopped{}); err != nil {
					r.log.Debug().Err(err).Msg("acknowledging shutdown")
				}
				return nil
			}
			continue
		case errors.Is(err, dumperr.ErrEmpty):
		default:
			return err
		}

		if !r.guest.PeerAlive(time.Now()) {
			r.log.Debug().Msg("host gone before acknowledging")
			return nil
		}
		if time.Now().After(deadline) {
			r.log.Warn().Dur("wait", r.opts.AckWait).Msg("no acknowledgment from host")
			return nil
		}
		if err := r.sleep(); err != nil {
			return err
		}
	}
}
