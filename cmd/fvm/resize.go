// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/fvm-progs-ng/lib/fvm"
	"git.lukeshu.com/fvm-progs-ng/lib/fvm/fvmformat"
)

func init() {
	for _, variant := range []struct {
		use   string
		short string
		op    fvm.Opcode
	}{
		{"extend", "Allocate more vslices to a partition", fvm.OpExtend},
		{"shrink", "Free vslices from a partition", fvm.OpShrink},
	} {
		op := variant.op
		var (
			partition string
			offset    uint64
			length    uint64
		)
		cmd := subcommand{
			Command: cobra.Command{
				Use:   variant.use,
				Short: variant.short,
				Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
			},
			RunE: func(ctx context.Context, _ *cobra.Command, _ []string) error {
				dev, vpm, fw, err := openFVM(ctx)
				if err != nil {
					return err
				}
				defer func() { _ = dev.Close() }()
				defer func() { _ = vpm.Close() }()

				vp, err := fw.find(partition)
				if err != nil {
					return err
				}
				_, err = vp.Ioctl(ctx, op, fvm.RangeRequest{
					Offset: fvmformat.VSlice(offset),
					Length: length,
				})
				return err
			},
		}
		cmd.Command.Flags().StringVar(&partition, "partition", "", "the partition `name-or-guid` to resize")
		cmd.Command.Flags().Uint64Var(&offset, "offset", 0, "the first vslice of the range")
		cmd.Command.Flags().Uint64Var(&length, "length", 0, "how many vslices")
		if err := cmd.Command.MarkFlagRequired("partition"); err != nil {
			panic(err)
		}
		subcommands = append(subcommands, cmd)
	}
}

func init() {
	var partition string
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "destroy",
			Short: "Free all of a partition's slices and delete it",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(ctx context.Context, _ *cobra.Command, _ []string) error {
			dev, vpm, fw, err := openFVM(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = dev.Close() }()
			defer func() { _ = vpm.Close() }()

			vp, err := fw.find(partition)
			if err != nil {
				return err
			}
			_, err = vp.Ioctl(ctx, fvm.OpDestroy, nil)
			return err
		},
	}
	cmd.Command.Flags().StringVar(&partition, "partition", "", "the partition `name-or-guid` to destroy")
	if err := cmd.Command.MarkFlagRequired("partition"); err != nil {
		panic(err)
	}
	subcommands = append(subcommands, cmd)
}
