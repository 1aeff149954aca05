// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsvol"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfsscrub"
	"github.com/kdave/btrfs-progs-sub004/lib/textui"
)

const backgroundEnv = "BTRFS_FSCK_SCRUB_BACKGROUND"

var scrubRows = []textui.RowSpec{
	{Key: "path", Fmt: "%v", TextLabel: "Path", JSONLabel: "path"},
	{Key: "device", Fmt: "%d", TextLabel: "Device id", JSONLabel: "devid"},
	{Key: "data_scrubbed", TextLabel: "Data scrubbed", JSONLabel: "data_bytes_scrubbed", Kind: textui.RowSize},
	{Key: "tree_scrubbed", TextLabel: "Tree scrubbed", JSONLabel: "tree_bytes_scrubbed", Kind: textui.RowSize},
	{Key: "last_physical", Fmt: "%d", TextLabel: "Last physical", JSONLabel: "last_physical"},
	{Key: "read_errors", Fmt: "%d", TextLabel: "Read errors", JSONLabel: "read_errors"},
	{Key: "csum_errors", Fmt: "%d", TextLabel: "Csum errors", JSONLabel: "csum_errors"},
	{Key: "verify_errors", Fmt: "%d", TextLabel: "Verify errors", JSONLabel: "verify_errors"},
	{Key: "super_errors", Fmt: "%d", TextLabel: "Super errors", JSONLabel: "super_errors"},
	{Key: "corrected", Fmt: "%d", TextLabel: "Corrected errors", JSONLabel: "corrected_errors"},
	{Key: "uncorrectable", Fmt: "%d", TextLabel: "Uncorrectable errors", JSONLabel: "uncorrectable_errors"},
	{Key: "unverified", Fmt: "%d", TextLabel: "Unverified errors", JSONLabel: "unverified_errors"},
	{Key: "t_start", TextLabel: "Started at", JSONLabel: "t_start", Kind: textui.RowTime},
	{Key: "t_resumed", TextLabel: "Resumed at", JSONLabel: "t_resumed", Kind: textui.RowTime},
	{Key: "duration", Fmt: "%d", TextLabel: "Duration (s)", JSONLabel: "duration"},
	{Key: "canceled", Fmt: "%d", TextLabel: "Canceled", JSONLabel: "canceled"},
	{Key: "finished", Fmt: "%d", TextLabel: "Finished", JSONLabel: "finished"},
	{Key: "limit", TextLabel: "Speed limit", JSONLabel: "scrub_speed_max", Kind: textui.RowSizeOrNone},
	{Key: "eta", Fmt: "%v", TextLabel: "ETA", JSONLabel: "eta"},
}

func newScrubCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrub {start|cancel|resume|status|limit}",
		Short: "Scrub a mounted btrfs filesystem",
	}
	cmd.AddCommand(newScrubRunCommand("start", false))
	cmd.AddCommand(newScrubRunCommand("resume", true))
	cmd.AddCommand(newScrubCancelCommand())
	cmd.AddCommand(newScrubStatusCommand())
	cmd.AddCommand(newScrubLimitCommand())
	return cmd
}

func newScrubRunCommand(verb string, resume bool) *cobra.Command {
	var (
		backgroundFlag bool
		perDevFlag     bool
		readonlyFlag   bool
		rawStatsFlag   bool
		limitFlag      string
		ioprioClass    int
		ioprioData     int
		forceFlag      bool
	)
	cmd := &cobra.Command{
		Use:   verb + " [flags] PATH",
		Short: verb + " a scrub of the filesystem mounted at PATH",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVarP(&backgroundFlag, "background", "B", false, "run in the background")
	cmd.Flags().BoolVarP(&perDevFlag, "per-device", "d", false, "print per-device statistics")
	cmd.Flags().BoolVarP(&readonlyFlag, "readonly", "r", false, "read-only scrub; do not repair")
	cmd.Flags().BoolVarP(&rawStatsFlag, "raw-stats", "R", false, "print raw per-device counters")
	cmd.Flags().StringVar(&limitFlag, "limit", "", "per-device throughput limit in bytes/sec")
	cmd.Flags().IntVarP(&ioprioClass, "ioprio-class", "c", 0, "IO priority class for the workers")
	cmd.Flags().IntVarP(&ioprioData, "ioprio-classdata", "n", 0, "IO priority class data for the workers")
	cmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "start even if a stale status claims a scrub is running")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		mount := args[0]
		if backgroundFlag && os.Getenv(backgroundEnv) == "" {
			return daemonize()
		}
		return run(cmd, func(ctx context.Context) error {
			ctrl := btrfsscrub.NewController(btrfsscrub.DefaultKernel())

			if limitFlag != "" {
				limit, err := strconv.ParseUint(limitFlag, 10, 64)
				if err != nil {
					return err
				}
				if err := ctrl.SetLimits(ctx, mount, 0, limit); err != nil {
					return err
				}
			}

			sf, err := ctrl.Run(ctx, mount, btrfsscrub.StartOptions{
				Readonly:        readonlyFlag,
				Force:           forceFlag,
				Resume:          resume,
				Record:          true,
				IOPrioClass:     ioprioClass,
				IOPrioClassData: ioprioData,
			})
			switch {
			case errors.Is(err, btrfsscrub.ErrNothingToResume):
				dlog.Info(ctx, "nothing to resume")
				return exitError(exitNothingToResume)
			case errors.Is(err, btrfsscrub.ErrAlreadyRunning):
				return fmt.Errorf("scrub: %v: %w", mount, err)
			case err != nil:
				return err
			}

			printScrubStatus(ctx, ctrl, mount, sf, perDevFlag, rawStatsFlag)

			for _, rec := range sf.Records {
				if rec.Progress.Uncorrectable > 0 {
					return exitError(exitUncorrectable)
				}
			}
			return nil
		})
	}
	return cmd
}

func newScrubCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel PATH",
		Short: "Cancel a running scrub",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context) error {
			ctrl := btrfsscrub.NewController(btrfsscrub.DefaultKernel())
			err := ctrl.Cancel(ctx, args[0])
			if errors.Is(err, btrfsscrub.ErrNotRunning) {
				dlog.Info(ctx, "scrub: not running")
				return exitError(exitNothingToResume)
			}
			return err
		})
	}
	return cmd
}

func newScrubStatusCommand() *cobra.Command {
	var perDevFlag, rawStatsFlag bool
	cmd := &cobra.Command{
		Use:   "status [-d] [-R] PATH",
		Short: "Show the status of a past or running scrub",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVarP(&perDevFlag, "per-device", "d", false, "print per-device statistics")
	cmd.Flags().BoolVarP(&rawStatsFlag, "raw-stats", "R", false, "print raw per-device counters")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context) error {
			ctrl := btrfsscrub.NewController(btrfsscrub.DefaultKernel())
			sf, err := ctrl.Status(ctx, args[0])
			if err != nil {
				return err
			}
			if len(sf.Records) == 0 {
				return fmt.Errorf("no scrub record for %v", args[0])
			}
			printScrubStatus(ctx, ctrl, args[0], sf, perDevFlag, rawStatsFlag)
			return nil
		})
	}
	return cmd
}

func newScrubLimitCommand() *cobra.Command {
	var allFlag bool
	var devidFlag uint64
	var limitFlag string
	cmd := &cobra.Command{
		Use:   "limit [--all|--devid ID] [--limit SIZE] PATH",
		Short: "Show or set per-device scrub throughput limits",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&allFlag, "all", false, "apply to every device of the filesystem")
	cmd.Flags().Uint64Var(&devidFlag, "devid", 0, "apply to one device")
	cmd.Flags().StringVar(&limitFlag, "limit", "", "limit in bytes/sec; 0 means unlimited")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context) error {
			ctrl := btrfsscrub.NewController(btrfsscrub.DefaultKernel())
			mount := args[0]

			if limitFlag != "" {
				limit, err := strconv.ParseUint(limitFlag, 10, 64)
				if err != nil {
					return err
				}
				devid := btrfsvol.DeviceID(devidFlag)
				if allFlag {
					devid = 0
				} else if devid == 0 {
					return fmt.Errorf("one of --all or --devid is required to set a limit")
				}
				return ctrl.SetLimits(ctx, mount, devid, limit)
			}

			limit, someSet, err := ctrl.EffectiveLimit(ctx, mount)
			if err != nil {
				return err
			}
			fctx := textui.NewFormatContext(os.Stdout, global.format.OutputFormat, scrubRows)
			fctx.Start()
			fctx.StartGroup("scrub-limit", false)
			fctx.Print("path", mount)
			if someSet {
				fctx.Print("limit", limit)
				dlog.Info(ctx, "some device limits set")
			} else {
				fctx.Print("limit", uint64(0))
			}
			fctx.EndGroup()
			fctx.End()
			return nil
		})
	}
	return cmd
}

// printScrubStatus renders either a per-device table or a
// whole-filesystem summary.
func printScrubStatus(ctx context.Context, ctrl *btrfsscrub.Controller, mount string, sf *btrfsscrub.StatusFile, perDev, raw bool) {
	fctx := textui.NewFormatContext(os.Stdout, global.format.OutputFormat, scrubRows)
	fctx.Start()
	fctx.StartGroup("scrub", false)
	fctx.Print("path", mount)

	printRec := func(rec btrfsscrub.StatusRecord) {
		fctx.Print("data_scrubbed", rec.Progress.DataBytesScrubbed)
		fctx.Print("tree_scrubbed", rec.Progress.TreeBytesScrubbed)
		fctx.Print("read_errors", rec.Progress.ReadErrors)
		fctx.Print("csum_errors", rec.Progress.CSumErrors)
		fctx.Print("verify_errors", rec.Progress.VerifyErrors)
		fctx.Print("super_errors", rec.Progress.SuperErrors)
		fctx.Print("corrected", rec.Progress.Corrected)
		fctx.Print("uncorrectable", rec.Progress.Uncorrectable)
		fctx.Print("unverified", rec.Progress.Unverified)
		if raw {
			fctx.Print("last_physical", rec.Progress.LastPhysical)
		}
		fctx.Print("t_start", rec.Stats.TStart)
		if rec.Stats.TResumed != 0 {
			fctx.Print("t_resumed", rec.Stats.TResumed)
		}
		fctx.Print("duration", uint64(rec.Stats.Duration))
		fctx.Print("canceled", boolRow(rec.Stats.Canceled))
		fctx.Print("finished", boolRow(rec.Stats.Finished))
	}

	if perDev || raw {
		fctx.StartGroup("devices", true)
		for _, rec := range sf.Records {
			fctx.StartGroup("", false)
			fctx.Print("device", uint64(rec.DevID))
			printRec(rec)
			fctx.EndGroup()
		}
		fctx.EndGroup()
	} else {
		var sum btrfsscrub.StatusRecord
		for _, rec := range sf.Records {
			sum.Progress.DataBytesScrubbed += rec.Progress.DataBytesScrubbed
			sum.Progress.TreeBytesScrubbed += rec.Progress.TreeBytesScrubbed
			sum.Progress.ReadErrors += rec.Progress.ReadErrors
			sum.Progress.CSumErrors += rec.Progress.CSumErrors
			sum.Progress.VerifyErrors += rec.Progress.VerifyErrors
			sum.Progress.SuperErrors += rec.Progress.SuperErrors
			sum.Progress.Corrected += rec.Progress.Corrected
			sum.Progress.Uncorrectable += rec.Progress.Uncorrectable
			sum.Progress.Unverified += rec.Progress.Unverified
			if rec.Stats.Duration > sum.Stats.Duration {
				sum.Stats = rec.Stats
			}
			sum.Stats.Finished = sum.Stats.Finished && rec.Stats.Finished
			sum.Stats.Canceled = sum.Stats.Canceled || rec.Stats.Canceled
		}
		printRec(sum)
		if eta, ok := scrubETA(ctx, ctrl, mount, sum); ok {
			fctx.Print("eta", eta)
		}
	}
	fctx.EndGroup()
	fctx.End()
}

func scrubETA(ctx context.Context, ctrl *btrfsscrub.Controller, mount string, sum btrfsscrub.StatusRecord) (any, bool) {
	spaces, err := ctrl.Kernel.SpaceInfo(ctx, mount)
	if err != nil || len(spaces) == 0 {
		return nil, false
	}
	var total uint64
	for _, space := range spaces {
		total += space.UsedBytes
	}
	eta, ok := btrfsscrub.ETA(sum, total)
	return eta, ok
}

func boolRow(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// daemonize re-executes the command detached from the terminal with
// stdio pointed at /dev/null; the parent exits immediately.
func daemonize() error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	child := exec.Command(os.Args[0], os.Args[1:]...) //nolint:gosec // re-exec of self
	child.Env = append(os.Environ(), backgroundEnv+"=1")
	child.Stdin = devNull
	child.Stdout = devNull
	child.Stderr = devNull
	detachSysProcAttr(child)
	if err := child.Start(); err != nil {
		return err
	}
	return nil
}
