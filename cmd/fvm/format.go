// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/fvm-progs-ng/lib/fvm"
)

func init() {
	var sliceSize uint64
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "format",
			Short: "Write fresh, empty FVM metadata to the image",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(ctx context.Context, _ *cobra.Command, _ []string) error {
			dev, err := openDevice(os.O_RDWR)
			if err != nil {
				return err
			}
			defer func() { _ = dev.Close() }()
			return fvm.FormatDevice(ctx, dev, sliceSize)
		},
	}
	cmd.Command.Flags().Uint64Var(&sliceSize, "slice-size", 1<<20,
		"the size of one slice, in bytes; must be a multiple of --block-size")
	subcommands = append(subcommands, cmd)
}
