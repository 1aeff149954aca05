// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command btrfs-fsck is the offline check-and-repair and online scrub
// front end.
package main

import (
	"context"
	"errors"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kdave/btrfs-progs-sub004/lib/textui"
)

type logLevelFlag struct {
	logrus.Level
}

func (lvl *logLevelFlag) Type() string { return "loglevel" }
func (lvl *logLevelFlag) Set(str string) error {
	var err error
	lvl.Level, err = logrus.ParseLevel(str)
	return err
}

var _ pflag.Value = (*logLevelFlag)(nil)

type outputFormatFlag struct {
	textui.OutputFormat
}

func (f *outputFormatFlag) Type() string         { return "format" }
func (f *outputFormatFlag) Set(str string) error { return f.SetFromString(str) }
func (f *outputFormatFlag) String() string       { return f.OutputFormat.String() }

var _ pflag.Value = (*outputFormatFlag)(nil)

type globalFlags struct {
	verbosity logLevelFlag
	quiet     bool
	format    outputFormatFlag
}

var global globalFlags

// exit codes shared by the subcommands
const (
	exitSuccess         = 0
	exitGenericFailure  = 1
	exitNothingToResume = 2
	exitUncorrectable   = 3
)

type exitError int

func (e exitError) Error() string { return "exit code" }

func main() {
	global.verbosity.Level = logrus.InfoLevel

	argparser := &cobra.Command{
		Use:   "btrfs-fsck {[flags]|SUBCOMMAND}",
		Short: "Check, repair, and scrub a btrfs filesystem",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc will handle it

		CompletionOptions: cobra.CompletionOptions{ //nolint:exhaustivestruct
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&global.verbosity, "verbosity", "set the verbosity")
	argparser.PersistentFlags().BoolVarP(&global.quiet, "quiet", "q", false, "only print errors")
	argparser.PersistentFlags().Var(&global.format, "format", "output format (text|json)")

	argparser.AddCommand(newCheckCommand())
	argparser.AddCommand(newScrubCommand())
	argparser.AddCommand(newInspectCommand())

	ctx := context.Background()
	if err := argparser.ExecuteContext(ctx); err != nil {
		var code exitError
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(exitGenericFailure)
	}
}

// run wraps a subcommand body with the logging and signal-handling
// scaffolding.
func run(cmd *cobra.Command, fn func(ctx context.Context) error) error {
	ctx := cmd.Context()
	logger := logrus.New()
	logger.SetLevel(global.verbosity.Level)
	if global.quiet {
		logger.SetLevel(logrus.ErrorLevel)
	}
	ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
	})
	grp.Go("main", func(ctx context.Context) error {
		return fn(ctx)
	})
	return grp.Wait()
}
