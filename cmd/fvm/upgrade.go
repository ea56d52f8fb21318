// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/fvm-progs-ng/lib/fvm"
	"git.lukeshu.com/fvm-progs-ng/lib/fvm/fvmformat"
)

func init() {
	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "upgrade OLD_GUID NEW_GUID",
			Short: "Atomically activate an inactive partition in place of an active one",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		},
		RunE: func(ctx context.Context, _ *cobra.Command, args []string) error {
			var req fvm.UpgradeRequest
			var err error
			if req.Old, err = fvmformat.ParseGUID(args[0]); err != nil {
				return fmt.Errorf("OLD_GUID: %w", err)
			}
			if req.New, err = fvmformat.ParseGUID(args[1]); err != nil {
				return fmt.Errorf("NEW_GUID: %w", err)
			}

			dev, vpm, _, err := openFVM(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = dev.Close() }()
			defer func() { _ = vpm.Close() }()

			_, err = vpm.Ioctl(ctx, fvm.OpUpgrade, req)
			return err
		},
	})
}
