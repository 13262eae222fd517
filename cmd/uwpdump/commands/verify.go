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
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/walteh/uwpdump/cmd/uwpdump/opts"
	"github.com/walteh/uwpdump/pkg/manifest"
	"github.com/walteh/uwpdump/pkg/report"
	"github.com/walteh/uwpdump/pkg/session"
	"gitlab.com/tozd/go/errors"
)

// NewVerifyCmd creates the verify command
func NewVerifyCmd(o *opts.RootOpts) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "verify <dir>",
		Short: "Check a dump directory against its manifest",
		Long: `Verify re-hashes every file listed in ` + manifest.FileName + ` and reports
files that are missing or no longer match. It exits 3 when any file differs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.Ctx(cmd.Context()).With().Str("command", "verify").Logger()
			ctx := logger.WithContext(cmd.Context())

			m, err := manifest.Load(args[0])
			if err != nil {
				return errors.Errorf("loading manifest from %s: %w", args[0], err)
			}

			console := report.NewTerminal(os.Stdout, logger)
			console.Header("verifying " + args[0])
			console.Infof("session %s, %d files", m.SessionID, len(m.Files))

			checks, err := manifest.Verify(ctx, args[0], m)
			bad := 0
			for _, c := range checks {
				if !c.OK() {
					bad++
				}
				console.Check(c, verbose)
			}
			if err != nil {
				o.ExitCode = session.ExitCancelled
				return nil
			}

			if bad > 0 {
				console.Infof("%d of %d files differ", bad, len(checks))
				o.ExitCode = session.ExitCompletedWithErrors
				return nil
			}
			console.Infof("all %d files match", len(checks))
			o.ExitCode = session.ExitCompleted
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print matching files too")
	return cmd
}
