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

// Package session drives one extraction: it finds the target, creates the
// shared region, injects the payload, consumes its events, collects the
// staged files and reports how it all went.
package session

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/walteh/uwpdump/pkg/copyengine"
	"github.com/walteh/uwpdump/pkg/discovery"
	"github.com/walteh/uwpdump/pkg/dumperr"
	"github.com/walteh/uwpdump/pkg/inject"
	"github.com/walteh/uwpdump/pkg/ipc"
	"github.com/walteh/uwpdump/pkg/shm"
	"github.com/walteh/uwpdump/pkg/wire"
	"gitlab.com/tozd/go/errors"
)

const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultPollInterval      = 5 * time.Millisecond
	DefaultHeartbeatInterval = 500 * time.Millisecond
	DefaultShutdownGrace     = 5 * time.Second
)

// Resolver turns a selector into a single target.
type Resolver interface {
	Resolve(ctx context.Context, sel discovery.Selector) (discovery.Target, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, sel discovery.Selector) (discovery.Target, error)

func (f ResolverFunc) Resolve(ctx context.Context, sel discovery.Selector) (discovery.Target, error) {
	return f(ctx, sel)
}

// EnumeratorResolver resolves selectors against the targets e lists.
func EnumeratorResolver(e discovery.Enumerator) Resolver {
	return ResolverFunc(func(ctx context.Context, sel discovery.Selector) (discovery.Target, error) {
		return discovery.Resolve(ctx, e, sel)
	})
}

// Prober checks a target can be opened before anything is created for it.
type Prober interface {
	Probe(ctx context.Context, pid uint32) error
}

// Injector loads the payload into a target.
type Injector interface {
	Inject(ctx context.Context, pid uint32, payloadPath string) (*inject.Handle, error)
}

// Collector fans staged files out to the destination.
type Collector interface {
	Copy(ctx context.Context, plan copyengine.Plan, progress func(copyengine.Update)) (copyengine.Result, error)
}

// CollectorFunc adapts a function such as copyengine.Copy to Collector.
type CollectorFunc func(ctx context.Context, plan copyengine.Plan, progress func(copyengine.Update)) (copyengine.Result, error)

func (f CollectorFunc) Copy(ctx context.Context, plan copyengine.Plan, progress func(copyengine.Update)) (copyengine.Result, error) {
	return f(ctx, plan, progress)
}

// Progress is a point-in-time view of the current file.
type Progress struct {
	Phase      Phase
	Path       string
	Size       int64
	BytesSoFar int64
	Done       int
	Failed     int
	// Total is the number of files in the phase, or zero when unknown.
	Total int
}

// 📣 Reporter receives everything the user should see. Calls come from one
// goroutine at a time.
type Reporter interface {
	State(State)
	Progress(Progress)
	FileFailed(FileError)
	Summary(Report)
}

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter) State(State)          {}
func (NopReporter) Progress(Progress)    {}
func (NopReporter) FileFailed(FileError) {}
func (NopReporter) Summary(Report)       {}

// ⚙️ Config tunes one session
type Config struct {
	PayloadPath string
	// PackageRoot overrides the install directory reported for the target.
	PackageRoot string
	StagingRoot string
	// Destination receives the collected files. Empty means StagingRoot.
	Destination   string
	Exclude       []string
	ProgressEvery int64
	Workers       int
	Verify        bool

	IPC               ipc.Options
	HandshakeTimeout  time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ShutdownGrace     time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// Deps are the collaborators a session drives. Resolver and Injector are
// required; the rest have defaults.
type Deps struct {
	Resolver Resolver
	// Prober is optional.
	Prober   Prober
	Injector Injector
	// Regions defaults to shm.Create.
	Regions shm.Factory
	// Collector defaults to copyengine.Copy.
	Collector Collector
	// Reporter defaults to NopReporter.
	Reporter Reporter
}

// 🎬 Session is one extraction attempt
type Session struct {
	ID          uuid.UUID
	Selector    discovery.Selector
	Target      discovery.Target
	PackageRoot string
	StagingRoot string
	Destination string
	State       State
	Started     time.Time
	Finished    time.Time
	Stats       Stats
	Errors      []FileError

	cfg     Config
	deps    Deps
	outcome Outcome
	staged  []string
	digests map[string]string
	sizes   map[string]int64
	current wire.FileStarted
}

// New prepares a session for the target sel picks.
func New(sel discovery.Selector, cfg Config, deps Deps) *Session {
	cfg = cfg.withDefaults()
	if deps.Regions == nil {
		deps.Regions = shm.Create
	}
	if deps.Collector == nil {
		deps.Collector = CollectorFunc(copyengine.Copy)
	}
	if deps.Reporter == nil {
		deps.Reporter = NopReporter{}
	}
	return &Session{
		ID:          uuid.New(),
		Selector:    sel,
		PackageRoot: cfg.PackageRoot,
		StagingRoot: cfg.StagingRoot,
		Destination: cfg.Destination,
		cfg:         cfg,
		deps:        deps,
		digests:     make(map[string]string),
		sizes:       make(map[string]int64),
	}
}

// Outcome returns how the session ended. It is the zero value until Run returns.
func (s *Session) Outcome() Outcome { return s.outcome }

// resources are released exactly once whichever way the session ends.
type resources struct {
	once     sync.Once
	stopBeat func()
	handle   *inject.Handle
	region   *shm.Region
}

func (r *resources) release(ctx context.Context) {
	r.once.Do(func() {
		log := zerolog.Ctx(ctx)
		if r.stopBeat != nil {
			r.stopBeat()
		}
		if r.handle != nil {
			if err := r.handle.Release(); err != nil {
				log.Warn().Err(err).Msg("releasing injection handle")
			}
		}
		if r.region != nil {
			if err := r.region.Close(); err != nil {
				log.Warn().Err(err).Msg("closing region")
			}
		}
	})
}

// 🏃 Run drives the session to a terminal state and returns its outcome.
// The region and the injection handle are released before Run returns,
// including when it panics.
func (s *Session) Run(ctx context.Context) Outcome {
	log := zerolog.Ctx(ctx).With().Str("session", s.ID.String()).Logger()
	ctx = log.WithContext(ctx)

	if s.State != Idle {
		return failedOutcome(errors.Errorf("session %s already ran: %w", s.ID, ErrInvalidTransition))
	}
	if s.deps.Resolver == nil || s.deps.Injector == nil {
		return failedOutcome(errors.New("session needs a resolver and an injector"))
	}

	s.Started = time.Now()
	res := &resources{}
	defer func() {
		if r := recover(); r != nil {
			res.release(ctx)
			panic(r)
		}
	}()

	out := s.run(ctx, res)
	if out.Status == StatusCompleted || out.Status == StatusCompletedWithErrors {
		s.enter(ctx, Finalizing)
	}
	res.release(ctx)
	s.finish(ctx, out)
	return out
}

func (s *Session) enter(ctx context.Context, to State) {
	if err := Transition(s.State, to); err != nil {
		panic(err)
	}
	zerolog.Ctx(ctx).Debug().Stringer("from", s.State).Stringer("to", to).Msg("session state")
	s.State = to
	s.deps.Reporter.State(to)
}

func (s *Session) finish(ctx context.Context, out Outcome) {
	s.outcome = out
	s.Finished = time.Now()

	switch out.Status {
	case StatusCompleted, StatusCompletedWithErrors:
		s.enter(ctx, Completed)
	case StatusCancelled:
		s.enter(ctx, Cancelled)
	default:
		s.enter(ctx, Failed)
	}

	ev := zerolog.Ctx(ctx).Info()
	if out.Status == StatusFailed {
		ev = zerolog.Ctx(ctx).Error().Err(out.Err)
	}
	ev.Stringer("outcome", out).
		Int("copied", s.Stats.FilesCopied).
		Int("failed", len(s.Errors)).
		Dur("elapsed", s.Finished.Sub(s.Started)).
		Msg("session finished")

	s.deps.Reporter.Summary(s.Report())
}

// injectionOutcome reports any Injecting failure as injection failed. The
// underlying kind stays reachable through Err.
func injectionOutcome(err error) Outcome {
	if !errors.Is(err, dumperr.ErrInjectionFailed) {
		err = dumperr.New(dumperr.ErrInjectionFailed, "inject", err)
	}
	return Outcome{
		Status: StatusFailed,
		Reason: dumperr.ErrInjectionFailed.Error(),
		Err:    errors.Errorf("injecting payload: %w", err),
	}
}

func cancelledOutcome(ctx context.Context) Outcome {
	return Outcome{Status: StatusCancelled, Reason: dumperr.ErrCancelled.Error(), Err: dumperr.New(dumperr.ErrCancelled, "session", ctx.Err())}
}

func (s *Session) completed() Outcome {
	if n := len(s.Errors); n > 0 {
		return Outcome{Status: StatusCompletedWithErrors, Failures: n}
	}
	return Outcome{Status: StatusCompleted}
}

func (s *Session) run(ctx context.Context, res *resources) Outcome {
	if ctx.Err() != nil {
		return cancelledOutcome(ctx)
	}

	s.enter(ctx, Discovering)
	target, err := s.deps.Resolver.Resolve(ctx, s.Selector)
	if err != nil {
		return failedOutcome(errors.Errorf("resolving %s: %w", s.Selector, err))
	}
	s.Target = target
	if s.PackageRoot == "" {
		s.PackageRoot = target.PackageRoot
	}
	if s.PackageRoot == "" {
		return failedOutcome(errors.Errorf("target %s has no package root", target))
	}
	if s.StagingRoot == "" {
		return failedOutcome(errors.Errorf("target %s has no staging root", target))
	}
	if s.Destination == "" {
		s.Destination = s.StagingRoot
	}
	log := zerolog.Ctx(ctx).With().Uint32("pid", target.PID).Str("target", target.Name).Logger()
	ctx = log.WithContext(ctx)
	if ctx.Err() != nil {
		return cancelledOutcome(ctx)
	}

	s.enter(ctx, Attaching)
	if s.deps.Prober != nil {
		if err := s.deps.Prober.Probe(ctx, target.PID); err != nil {
			return failedOutcome(errors.Errorf("probing %s: %w", target, err))
		}
	}
	region, err := s.deps.Regions(shm.RegionName(target.PID), s.cfg.IPC.RegionSize(), shm.ACLAppContainer)
	if err != nil {
		return failedOutcome(errors.Errorf("creating region: %w", err))
	}
	res.region = region
	host, err := ipc.NewHost(region, s.cfg.IPC)
	if err != nil {
		return failedOutcome(err)
	}
	res.stopBeat = host.StartHeartbeat(context.WithoutCancel(ctx), s.cfg.HeartbeatInterval)
	if ctx.Err() != nil {
		return cancelledOutcome(ctx)
	}

	s.enter(ctx, Injecting)
	handle, err := s.deps.Injector.Inject(ctx, target.PID, s.cfg.PayloadPath)
	if err != nil {
		if ctx.Err() != nil {
			return cancelledOutcome(ctx)
		}
		return injectionOutcome(err)
	}
	res.handle = handle
	log.Info().Str("payload", s.cfg.PayloadPath).Msg("payload injected")

	s.enter(ctx, Handshaking)
	if err := s.handshake(ctx, host, handle); err != nil {
		return s.abort(ctx, host, handle, err)
	}
	start := wire.StartDump{
		PackageRoot:   s.PackageRoot,
		StagingRoot:   s.StagingRoot,
		Exclude:       s.cfg.Exclude,
		ProgressEvery: s.cfg.ProgressEvery,
	}
	if err := host.Send(ctx, start); err != nil {
		return s.abort(ctx, host, handle, err)
	}

	s.enter(ctx, Dumping)
	if err := s.pump(ctx, host, handle); err != nil {
		return s.abort(ctx, host, handle, err)
	}
	if err := host.Send(ctx, wire.Ack{}); err != nil {
		log.Warn().Err(err).Msg("acknowledging dump")
	}

	s.enter(ctx, Collecting)
	if err := s.collect(ctx); err != nil {
		if errors.Is(err, dumperr.ErrCancelled) || ctx.Err() != nil {
			return cancelledOutcome(ctx)
		}
		return failedOutcome(errors.Errorf("collecting files: %w", err))
	}
	return s.completed()
}

// abort ends a session whose payload is loaded. Cancellation asks the
// payload to stop and waits out the grace period; any other error only
// tells it to stop.
func (s *Session) abort(ctx context.Context, host *ipc.Host, handle *inject.Handle, err error) Outcome {
	if errors.Is(err, dumperr.ErrCancelled) || ctx.Err() != nil {
		s.shutdown(ctx, host, handle)
		return cancelledOutcome(ctx)
	}
	if sendErr := host.TrySend(wire.Shutdown{}); sendErr != nil {
		zerolog.Ctx(ctx).Debug().Err(sendErr).Msg("telling payload to stop")
	}
	return failedOutcome(err)
}

func (s *Session) wait(ctx context.Context) error {
	t := time.NewTimer(s.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return dumperr.New(dumperr.ErrCancelled, "session", ctx.Err())
	case <-t.C:
		return nil
	}
}

func (s *Session) alive(host *ipc.Host, handle *inject.Handle, now time.Time) error {
	if !handle.Alive() {
		return dumperr.New(dumperr.ErrProcessLost, "session", errors.Errorf("target %d exited", handle.PID))
	}
	if !host.PeerAlive(now) {
		return dumperr.New(dumperr.ErrProcessLost, "session", errors.Errorf("payload heartbeat stale since %s", host.PeerLastBeat().Format(time.RFC3339Nano)))
	}
	return nil
}

func (s *Session) handshake(ctx context.Context, host *ipc.Host, handle *inject.Handle) error {
	log := zerolog.Ctx(ctx)
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	lost := false
	for {
		msg, err := host.Receive()
		switch {
		case err == nil:
			switch m := msg.(type) {
			case wire.Handshake:
				if m.ProtocolVersion != wire.ProtocolVersion {
					return dumperr.New(dumperr.ErrProtocolMismatch, "handshake",
						errors.Errorf("payload speaks version %d, host %d", m.ProtocolVersion, wire.ProtocolVersion))
				}
				log.Info().Uint32("payload_pid", m.PID).Msg("payload ready")
				return nil
			case wire.Fatal:
				return m.Err()
			case wire.Log:
				s.payloadLog(ctx, m)
			case wire.Heartbeat:
			default:
				return dumperr.New(dumperr.ErrProtocolViolation, "handshake", errors.Errorf("%s before handshake", msg.Tag()))
			}
			continue
		case !errors.Is(err, dumperr.ErrEmpty):
			return err
		}

		if !handle.Alive() {
			if lost {
				return dumperr.New(dumperr.ErrProcessLost, "handshake", errors.Errorf("target %d exited", handle.PID))
			}
			// read what it published before exiting
			lost = true
			continue
		}
		if !time.Now().Before(deadline) {
			return dumperr.New(dumperr.ErrHandshakeTimeout, "handshake", errors.Errorf("no handshake within %s", s.cfg.HandshakeTimeout))
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
}

// pump consumes events until DumpCompleted. Once the payload looks gone,
// one more pass drains what it published before going.
func (s *Session) pump(ctx context.Context, host *ipc.Host, handle *inject.Handle) error {
	lost := false
	for {
		for ctx.Err() == nil {
			msg, err := host.Receive()
			if errors.Is(err, dumperr.ErrEmpty) {
				break
			}
			if err != nil {
				return err
			}
			done, err := s.apply(ctx, msg)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
		if err := s.alive(host, handle, time.Now()); err != nil {
			if lost || ctx.Err() != nil {
				return err
			}
			lost = true
			continue
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
}

func (s *Session) progress(path string, size, soFar int64) {
	s.deps.Reporter.Progress(Progress{
		Phase:      PhaseStage,
		Path:       path,
		Size:       size,
		BytesSoFar: soFar,
		Done:       s.Stats.FilesCopied,
		Failed:     s.Stats.FilesFailed,
	})
}

func (s *Session) apply(ctx context.Context, msg wire.Message) (done bool, err error) {
	log := zerolog.Ctx(ctx)
	switch m := msg.(type) {
	case wire.FileStarted:
		s.Stats.FilesStarted++
		s.current = m
		s.progress(m.Path, m.Size, 0)
	case wire.FileProgress:
		s.progress(s.current.Path, s.current.Size, m.BytesSoFar)
	case wire.FileCompleted:
		s.Stats.FilesCopied++
		s.Stats.BytesCopied += m.Bytes
		s.staged = append(s.staged, m.Path)
		s.digests[m.Path] = m.Digest
		s.sizes[m.Path] = m.Bytes
		s.progress(m.Path, m.Bytes, m.Bytes)
	case wire.FileFailed:
		s.Stats.FilesFailed++
		fe := FileError{Path: m.Path, Reason: m.Reason, Phase: PhaseStage}
		s.Errors = append(s.Errors, fe)
		log.Warn().Str("path", m.Path).Str("reason", m.Reason).Msg("file failed")
		s.deps.Reporter.FileFailed(fe)
	case wire.Heartbeat:
		log.Trace().Uint64("seq", m.Seq).Msg("payload heartbeat")
	case wire.Log:
		s.payloadLog(ctx, m)
	case wire.Fatal:
		return false, m.Err()
	case wire.DumpCompleted:
		if int(m.TotalFiles) != s.Stats.FilesCopied+s.Stats.FilesFailed || int(m.FailureCount) != s.Stats.FilesFailed {
			log.Warn().
				Uint64("reported_files", m.TotalFiles).
				Uint64("reported_failures", m.FailureCount).
				Int("seen_files", s.Stats.FilesCopied+s.Stats.FilesFailed).
				Int("seen_failures", s.Stats.FilesFailed).
				Msg("payload totals differ from events")
		}
		log.Info().Uint64("files", m.TotalFiles).Uint64("bytes", m.TotalBytes).Uint64("failures", m.FailureCount).Str("staging", m.StagingRoot).Msg("dump completed")
		return true, nil
	default:
		return false, dumperr.New(dumperr.ErrProtocolViolation, "dump", errors.Errorf("unexpected %s", msg.Tag()))
	}
	return false, nil
}

func (s *Session) payloadLog(ctx context.Context, m wire.Log) {
	level, err := zerolog.ParseLevel(m.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.Ctx(ctx).WithLevel(level).Str("source", "payload").Msg(m.Text)
}

// shutdown asks the payload to stop and waits for it within the grace
// period. The push and the wait share one deadline.
func (s *Session) shutdown(ctx context.Context, host *ipc.Host, handle *inject.Handle) {
	log := zerolog.Ctx(ctx)
	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownGrace)
	defer cancel()

	if err := host.Send(graceCtx, wire.Shutdown{}); err != nil {
		log.Warn().Err(err).Msg("sending shutdown")
		return
	}

	for {
		msg, err := host.Receive()
		if err == nil {
			switch m := msg.(type) {
			case wire.Stopped:
				log.Info().Msg("payload stopped")
				return
			case wire.DumpCompleted:
				log.Info().Msg("payload finished before stopping")
				return
			case wire.Fatal:
				log.Warn().Err(m.Err()).Msg("payload failed while stopping")
				return
			default:
				if _, err := s.apply(ctx, msg); err != nil {
					log.Warn().Err(err).Msg("draining events")
					return
				}
			}
			continue
		}
		if !errors.Is(err, dumperr.ErrEmpty) {
			log.Warn().Err(err).Msg("draining events")
			return
		}
		if err := s.alive(host, handle, time.Now()); err != nil {
			log.Info().Err(err).Msg("payload gone while stopping")
			return
		}

		t := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-graceCtx.Done():
			t.Stop()
			log.Warn().Dur("grace", s.cfg.ShutdownGrace).Msg("payload did not stop in time")
			return
		case <-t.C:
		}
	}
}

func (s *Session) collect(ctx context.Context) error {
	if len(s.staged) == 0 || filepath.Clean(s.Destination) == filepath.Clean(s.StagingRoot) {
		return nil
	}

	plan := copyengine.Plan{
		SourceRoot: s.StagingRoot,
		DestRoot:   s.Destination,
		Files:      s.staged,
		Workers:    s.cfg.Workers,
		Digests:    s.digests,
		Verify:     s.cfg.Verify,
	}
	res, err := s.deps.Collector.Copy(ctx, plan, func(u copyengine.Update) {
		s.deps.Reporter.Progress(Progress{Phase: PhaseCollect, Path: u.Path, Done: u.Done, Total: u.Total})
	})
	s.Stats.FilesCollected = res.Copied
	for _, f := range res.Failed {
		fe := FileError{Path: f.Path, Reason: f.Reason, Phase: PhaseCollect}
		s.Errors = append(s.Errors, fe)
		s.deps.Reporter.FileFailed(fe)
	}
	return err
}
