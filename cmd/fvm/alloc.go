// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/fvm-progs-ng/lib/fvm"
	"git.lukeshu.com/fvm-progs-ng/lib/fvm/fvmformat"
)

func init() {
	var (
		name     string
		typeStr  string
		guidStr  string
		slices   uint64
		inactive bool
	)
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "alloc",
			Short: "Create a new virtual partition",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(ctx context.Context, _ *cobra.Command, _ []string) error {
			req := fvm.AllocRequest{
				Slices: slices,
				Name:   name,
			}
			var err error
			if req.Type, err = fvmformat.ParseGUID(typeStr); err != nil {
				return fmt.Errorf("--type: %w", err)
			}
			if guidStr == "" {
				if _, err := rand.Read(req.GUID[:]); err != nil {
					return err
				}
			} else if req.GUID, err = fvmformat.ParseGUID(guidStr); err != nil {
				return fmt.Errorf("--guid: %w", err)
			}
			if inactive {
				req.Flags |= fvmformat.FlagInactive
			}

			dev, vpm, _, err := openFVM(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = dev.Close() }()
			defer func() { _ = vpm.Close() }()

			if _, err := vpm.Ioctl(ctx, fvm.OpAlloc, req); err != nil {
				return err
			}
			dlog.Infof(ctx, "created partition %q guid=%v", name, req.GUID)
			return nil
		},
	}
	cmd.Command.Flags().StringVar(&name, "name", "", "the partition name")
	cmd.Command.Flags().StringVar(&typeStr, "type", "", "the type `guid`")
	cmd.Command.Flags().StringVar(&guidStr, "guid", "", "the unique `guid`; random if omitted")
	cmd.Command.Flags().Uint64Var(&slices, "slices", 1, "how many virtual slices to allocate")
	cmd.Command.Flags().BoolVar(&inactive, "inactive", false, "create the partition inactive, for a later upgrade")
	if err := cmd.Command.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	if err := cmd.Command.MarkFlagRequired("type"); err != nil {
		panic(err)
	}
	subcommands = append(subcommands, cmd)
}
