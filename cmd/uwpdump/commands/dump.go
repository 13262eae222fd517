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

package commands

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/walteh/uwpdump/cmd/uwpdump/opts"
	"github.com/walteh/uwpdump/pkg/config"
	"github.com/walteh/uwpdump/pkg/discovery"
	"github.com/walteh/uwpdump/pkg/inject"
	"github.com/walteh/uwpdump/pkg/manifest"
	"github.com/walteh/uwpdump/pkg/report"
	"github.com/walteh/uwpdump/pkg/session"
	"gitlab.com/tozd/go/errors"
)

// DefaultPayloadName is looked up next to the executable when no payload is given.
const DefaultPayloadName = "uwpdump-payload.dll"

type dumpFlags struct {
	pid          uint32
	name         string
	pkg          string
	pkgRoot      string
	family       string
	localAppData string
	output       string
	payload      string
	exclude      []string
	workers      int
	verify       bool
	manifest     bool
	loopback     bool
}

// target describes the process the flags name. There is no system
// enumeration: the caller supplies what it knows about the target.
func (f *dumpFlags) target() (discovery.Target, error) {
	if f.pid == 0 {
		return discovery.Target{}, errors.New("--pid is required")
	}
	if f.pkgRoot == "" {
		return discovery.Target{}, errors.New("--package-root is required")
	}
	family := f.family
	if family == "" && f.pkg != "" {
		if fam, ok := discovery.FamilyName(f.pkg); ok {
			family = fam
		}
	}
	if family == "" {
		return discovery.Target{}, errors.New("--family or a full --package name is required to locate the staging folder")
	}
	root, err := filepath.Abs(f.pkgRoot)
	if err != nil {
		return discovery.Target{}, errors.Errorf("resolving package root: %w", err)
	}
	return discovery.Target{
		PID:               f.pid,
		Name:              f.name,
		PackageFullName:   f.pkg,
		PackageFamilyName: family,
		PackageRoot:       root,
	}, nil
}

func (f *dumpFlags) selector() discovery.Selector {
	return discovery.Selector{PID: f.pid, Name: f.name, Package: f.pkg}
}

// applyTo overrides file settings with the flags that were set.
func (f *dumpFlags) applyTo(cmd *cobra.Command, base *config.Config) (*config.Config, error) {
	cfg := *base
	if cmd.Flags().Changed("output") {
		cfg.Output = f.output
	}
	if cmd.Flags().Changed("payload") {
		cfg.PayloadPath = f.payload
	}
	if cmd.Flags().Changed("exclude") {
		cfg.Exclude = append(append([]string(nil), cfg.Exclude...), f.exclude...)
	}
	if cmd.Flags().Changed("workers") {
		cfg.CopyWorkers = f.workers
	}
	if cmd.Flags().Changed("verify") {
		cfg.Verify = f.verify
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Errorf("validating flags: %w", err)
	}
	return &cfg, nil
}

func payloadPath(configured string) (string, error) {
	if configured != "" {
		return filepath.Abs(configured)
	}
	self, err := os.Executable()
	if err != nil {
		return "", errors.Errorf("locating executable: %w", err)
	}
	return filepath.Join(filepath.Dir(self), DefaultPayloadName), nil
}

// sessionConfig builds the session settings for target.
func (f *dumpFlags) sessionConfig(cfg *config.Config, target discovery.Target) (session.Config, error) {
	if f.localAppData == "" {
		return session.Config{}, errors.New("LOCALAPPDATA is not set; pass --local-app-data")
	}
	sc := cfg.Session()
	sc.PackageRoot = target.PackageRoot
	sc.StagingRoot = discovery.StagingRoot(f.localAppData, target.PackageFamilyName)
	if sc.Destination != "" {
		dest, err := filepath.Abs(sc.Destination)
		if err != nil {
			return session.Config{}, errors.Errorf("resolving output: %w", err)
		}
		sc.Destination = dest
	}
	if !f.loopback {
		path, err := payloadPath(sc.PayloadPath)
		if err != nil {
			return session.Config{}, err
		}
		sc.PayloadPath = path
	}
	return sc, nil
}

func (f *dumpFlags) injector(o *opts.RootOpts) (session.Injector, session.Prober) {
	if !f.loopback {
		inj := inject.Default()
		return inj, inj
	}
	args := []string{"guest"}
	if o.ConfigFile != "" {
		args = append(args, "--config", o.ConfigFile)
	}
	if o.Debug {
		args = append(args, "--debug")
	}
	lb := &inject.Loopback{Args: args, Stdout: os.Stderr, Stderr: os.Stderr}
	return lb, lb
}

// writeManifest records a finished dump. A manifest that cannot be written
// does not change the exit code.
func writeManifest(ctx context.Context, console *report.Console, sess *session.Session) {
	out := sess.Outcome()
	if out.Status != session.StatusCompleted && out.Status != session.StatusCompletedWithErrors {
		return
	}
	m := manifest.FromReport(sess.Report(), time.Now())
	path, err := manifest.Write(ctx, sess.Destination, m)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("writing manifest")
		return
	}
	console.Infof("manifest written to %s", path)
}

// NewDumpCmd creates the dump command
func NewDumpCmd(o *opts.RootOpts) *cobra.Command {
	f := &dumpFlags{}
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Stage and collect the files of a running packaged app",
		Long: `Dump extracts the install directory of a running packaged application.
It will:
1. Create the shared memory region for the target
2. Inject the payload and wait for its handshake
3. Stage every file into <LOCALAPPDATA>/Packages/<family>/AC/TempState/DUMP
4. Copy the staged files to --output, if given`,
		Example: `  uwpdump dump --pid 4242 --package Contoso.Game_1.0.0.0_x64__8wekyb3d8bbwe \
    --package-root "C:\Program Files\WindowsApps\Contoso.Game_1.0.0.0_x64__8wekyb3d8bbwe" \
    --output D:\dumps\game`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.Ctx(cmd.Context()).With().Str("command", "dump").Logger()
			ctx := logger.WithContext(cmd.Context())

			target, err := f.target()
			if err != nil {
				return err
			}
			cfg, err := f.applyTo(cmd, o.Config)
			if err != nil {
				return err
			}
			sc, err := f.sessionConfig(cfg, target)
			if err != nil {
				return err
			}
			injector, prober := f.injector(o)

			console := report.NewTerminal(os.Stdout, logger)
			console.Header("dumping " + target.String())
			console.Infof("staging into %s", sc.StagingRoot)

			sess := session.New(f.selector(), sc, session.Deps{
				Resolver: session.EnumeratorResolver(discovery.StaticEnumerator{target}),
				Prober:   prober,
				Injector: injector,
				Reporter: console,
			})
			out := sess.Run(ctx)
			o.ExitCode = out.ExitCode()
			if f.manifest {
				writeManifest(ctx, console, sess)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Uint32Var(&f.pid, "pid", 0, "target process id")
	flags.StringVar(&f.name, "name", "", "target executable name")
	flags.StringVar(&f.pkg, "package", "", "target package full name")
	flags.StringVar(&f.pkgRoot, "package-root", "", "target install directory")
	flags.StringVar(&f.family, "family", "", "package family name (derived from --package when omitted)")
	flags.StringVar(&f.localAppData, "local-app-data", os.Getenv("LOCALAPPDATA"), "local app data directory holding Packages/")
	flags.StringVarP(&f.output, "output", "o", "", "copy staged files here")
	flags.StringVar(&f.payload, "payload", "", "payload library to inject (default: "+DefaultPayloadName+" next to uwpdump)")
	flags.StringSliceVar(&f.exclude, "exclude", nil, "doublestar patterns to skip, relative to the package root")
	flags.IntVar(&f.workers, "workers", 0, "collect workers (0 means one per CPU)")
	flags.BoolVar(&f.verify, "verify", false, "verify collected files against staged digests")
	flags.BoolVar(&f.manifest, "manifest", true, "write "+manifest.FileName+" next to the dumped files")
	flags.BoolVar(&f.loopback, "loopback", false, "run the payload in a child process instead of injecting")
	_ = flags.MarkHidden("loopback")

	return cmd
}
