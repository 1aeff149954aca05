// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"context"
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/kdave/btrfs-progs-sub004/lib/btrfs"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfsprim"
	"github.com/kdave/btrfs-progs-sub004/lib/btrfs/btrfstree"
)

func newInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect {[flags]|SUBCOMMAND}",
		Short: "Debugging dumps of an unmounted btrfs filesystem",
	}
	cmd.AddCommand(newInspectSpewCommand())
	cmd.AddCommand(newInspectDumpSuperCommand())
	return cmd
}

func newInspectDumpSuperCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump-super DEVICE...",
		Short: "Dump the effective superblock as JSON",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context) (err error) {
			fs, err := btrfs.Open(ctx, os.O_RDONLY, args...)
			if err != nil {
				return err
			}
			defer func() {
				_ = fs.Close()
			}()

			sb, err := fs.Superblock()
			if err != nil {
				return err
			}
			buffer := bufio.NewWriter(os.Stdout)
			defer func() {
				if _err := buffer.Flush(); err == nil && _err != nil {
					err = _err
				}
			}()
			return lowmemjson.Encode(&lowmemjson.ReEncoder{
				Out: buffer,

				Indent:                "\t",
				ForceTrailingNewlines: true,
			}, sb)
		})
	}
	return cmd
}

func newInspectSpewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spew DEVICE...",
		Short: "Spew the superblock and root-tree items as Go values",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(ctx context.Context) error {
			fs, err := btrfs.Open(ctx, os.O_RDONLY, args...)
			if err != nil {
				return err
			}
			defer func() {
				_ = fs.Close()
			}()

			sb, err := fs.Superblock()
			if err != nil {
				return err
			}
			spew.Fdump(os.Stdout, sb)

			rootTree, err := fs.TreeRoot(ctx, btrfsprim.ROOT_TREE_OBJECTID)
			if err != nil {
				return err
			}
			btrfstree.TreeWalk(ctx, fs, *rootTree,
				func(err *btrfstree.TreeError) {
					spew.Fdump(os.Stderr, err)
				},
				btrfstree.TreeWalkHandler{
					Item: func(_ btrfstree.Path, item btrfstree.Item) {
						spew.Fdump(os.Stdout, item.Key, item.Body)
					},
				},
			)
			return nil
		})
	}
	return cmd
}
