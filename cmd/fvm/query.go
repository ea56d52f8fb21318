// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/fvm-progs-ng/lib/fvm"
	"git.lukeshu.com/fvm-progs-ng/lib/fvm/fvmformat"
)

func init() {
	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "query",
			Short: "Show the volume manager's geometry and partitions",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(ctx context.Context, _ *cobra.Command, _ []string) error {
			dev, vpm, fw, err := openFVM(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = dev.Close() }()
			defer func() { _ = vpm.Close() }()

			ret, err := vpm.Ioctl(ctx, fvm.OpQuery, nil)
			if err != nil {
				return err
			}
			info := ret.(fvm.Info)
			fmt.Printf("slice_size=%d vslice_count=%d\n", info.SliceSize, info.VSliceCount)

			table := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintf(table, "NAME\tGUID\tTYPE\tBLOCKS\n")
			for _, vp := range fw.partitions {
				name, err := vp.Name()
				if err != nil {
					return err
				}
				guid, err := vp.GUID()
				if err != nil {
					return err
				}
				typ, err := vp.TypeGUID()
				if err != nil {
					return err
				}
				blocks, err := vp.BlockInfo()
				if err != nil {
					return err
				}
				fmt.Fprintf(table, "%s\t%v\t%v\t%d\n", name, guid, typ, blocks.BlockCount)
			}
			return table.Flush()
		},
	})
}

func init() {
	var partition string
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "vslice-query START...",
			Short: "Report run lengths of allocated/free vslice ranges",
			Args:  cliutil.WrapPositionalArgs(cobra.MinimumNArgs(1)),
		},
		RunE: func(ctx context.Context, _ *cobra.Command, args []string) error {
			starts := make([]fvmformat.VSlice, len(args))
			for i, arg := range args {
				v, err := strconv.ParseUint(arg, 0, 64)
				if err != nil {
					return err
				}
				starts[i] = fvmformat.VSlice(v)
			}

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
			ret, err := vp.Ioctl(ctx, fvm.OpVSliceQuery, starts)
			if err != nil {
				return err
			}
			for i, r := range ret.([]fvm.VSliceRange) {
				fmt.Printf("vslice=%d count=%d allocated=%v\n", starts[i], r.Count, r.Allocated)
			}
			return nil
		},
	}
	cmd.Command.Flags().StringVar(&partition, "partition", "", "the partition `name-or-guid` to query")
	if err := cmd.Command.MarkFlagRequired("partition"); err != nil {
		panic(err)
	}
	subcommands = append(subcommands, cmd)
}
