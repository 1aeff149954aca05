// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfscheck"
	"github.com/kdave/btrfs-progs-sub004/lib/textui"
)

var checkRows = []textui.RowSpec{
	{Key: "device", Fmt: "%v", TextLabel: "Device", JSONLabel: "device"},
	{Key: "mode", Fmt: "%v", TextLabel: "Mode", JSONLabel: "mode"},
	{Key: "defect", Fmt: "%v", TextLabel: "defect", JSONLabel: "defect"},
	{Key: "remaining", Fmt: "%d", TextLabel: "Defect bits remaining", JSONLabel: "remaining_bitmask"},
}

func newCheckCommand() *cobra.Command {
	var modeFlag string
	var repairFlag, readonlyFlag bool

	cmd := &cobra.Command{
		Use:   "check [--mode=lowmem] [--repair] [--readonly] DEVICE...",
		Short: "Check (and optionally repair) an unmounted btrfs filesystem",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.Flags().StringVar(&modeFlag, "mode", "lowmem", "checker mode; only 'lowmem' is implemented")
	cmd.Flags().BoolVar(&repairFlag, "repair", false, "attempt targeted repair of detected defects")
	cmd.Flags().BoolVar(&readonlyFlag, "readonly", false, "force a read-only check")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context) error {
			if modeFlag != "lowmem" {
				return fmt.Errorf("unsupported check mode %q", modeFlag)
			}
			if repairFlag && readonlyFlag {
				return fmt.Errorf("--repair and --readonly are mutually exclusive")
			}

			openFlag := os.O_RDONLY
			if repairFlag {
				openFlag = os.O_RDWR
			}
			fs, err := btrfs.Open(ctx, openFlag, args...)
			if err != nil {
				return err
			}
			defer func() {
				_ = fs.Close()
			}()

			opts := btrfscheck.Options{
				Repair: repairFlag,
			}
			if repairFlag {
				opts.Txn = btrfscheck.NewLocalTransactionEngine(fs)
			}
			errs, err := btrfscheck.Check(ctx, fs, opts)
			if err != nil {
				dlog.Errorf(ctx, "error: %v", err)
			}

			fctx := textui.NewFormatContext(os.Stdout, global.format.OutputFormat, checkRows)
			fctx.Start()
			fctx.StartGroup("check", false)
			fctx.Print("device", args[0])
			fctx.Print("mode", modeFlag)
			fctx.StartGroup("defects", true)
			for _, kind := range errs.Kinds() {
				fctx.Print("defect", kind)
			}
			fctx.EndGroup()
			fctx.Print("remaining", uint64(errs))
			fctx.EndGroup()
			fctx.End()

			if !errs.Empty() || err != nil {
				return exitError(exitGenericFailure)
			}
			return nil
		})
	}
	return cmd
}
