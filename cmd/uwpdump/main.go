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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/walteh/uwpdump/cmd/uwpdump/commands"
	"github.com/walteh/uwpdump/cmd/uwpdump/opts"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o := &opts.RootOpts{}
	rootCmd := &cobra.Command{
		Use:   "uwpdump",
		Short: "Extract the files of a sandboxed packaged application",
		Long: `uwpdump copies the install directory of a running packaged application.
It injects a small payload into the target, which stages every readable
file into the package's TempState folder and streams progress back over
shared memory. The staged files can then be fanned out to any directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(o.Debug)
			ctx := logger.WithContext(cmd.Context())
			cmd.SetContext(ctx)
			return loadRootOpts(ctx, o)
		},
	}
	addRootFlags(rootCmd, o)

	rootCmd.AddCommand(
		commands.NewDumpCmd(o),
		commands.NewGuestCmd(o),
		commands.NewVerifyCmd(o),
		newVersionCmd(),
	)
	rootCmd.SetArgs(args)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger := newLogger(o.Debug)
		logger.Error().Err(err).Msg("command failed")
		return 1
	}
	return o.ExitCode
}
