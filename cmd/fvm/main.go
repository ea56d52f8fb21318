// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/fvm-progs-ng/lib/blockdev"
	"git.lukeshu.com/fvm-progs-ng/lib/fvm"
	"git.lukeshu.com/fvm-progs-ng/lib/textui"
)

type subcommand struct {
	cobra.Command
	RunE func(context.Context, *cobra.Command, []string) error
}

var subcommands []subcommand

var (
	imageFlag     string
	blockSizeFlag uint32
)

func main() {
	logLevelFlag := textui.LogLevelFlag{
		Level: dlog.LogLevelInfo,
	}

	argparser := &cobra.Command{
		Use:   "fvm {[flags]|SUBCOMMAND}",
		Short: "Inspect and manipulate FVM images",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc will handle it

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	argparser.PersistentFlags().StringVar(&imageFlag, "image", "", "the FVM image `file` to operate on")
	if err := argparser.MarkPersistentFlagFilename("image"); err != nil {
		panic(err)
	}
	if err := argparser.MarkPersistentFlagRequired("image"); err != nil {
		panic(err)
	}
	argparser.PersistentFlags().Uint32Var(&blockSizeFlag, "block-size", 512,
		"the block size the backing device reports")

	for _, child := range subcommands {
		cmd := child.Command
		runE := child.RunE
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
			ctx := dlog.WithLogger(cmd.Context(), logger)
			dlog.SetFallbackLogger(logger.WithField("fvm-progs.THIS_IS_A_BUG", true))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) error {
				return runE(ctx, cmd, args)
			})
			return grp.Wait()
		}
		argparser.AddCommand(&cmd)
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

func openDevice(flag int) (*blockdev.File, error) {
	return blockdev.OpenFile(imageFlag, flag, blockSizeFlag)
}

// cliFramework records published partitions so subcommands can address
// them by name or GUID.
type cliFramework struct {
	partitions []*fvm.VPartition
}

var _ fvm.Framework = (*cliFramework)(nil)

func (fw *cliFramework) AddPartition(_ context.Context, vp *fvm.VPartition) error {
	fw.partitions = append(fw.partitions, vp)
	return nil
}

func (fw *cliFramework) RemovePartition(_ context.Context, vp *fvm.VPartition) {
	for i, have := range fw.partitions {
		if have == vp {
			fw.partitions = append(fw.partitions[:i], fw.partitions[i+1:]...)
			return
		}
	}
}

func (fw *cliFramework) find(key string) (*fvm.VPartition, error) {
	for _, vp := range fw.partitions {
		name, err := vp.Name()
		if err != nil {
			continue
		}
		guid, err := vp.GUID()
		if err != nil {
			continue
		}
		if key == name || key == guid.String() {
			return vp, nil
		}
	}
	return nil, fmt.Errorf("no partition with name or guid %q", key)
}

// openFVM opens the image read-write, binds a manager, and waits for
// the load to finish.  The caller owns closing both.
func openFVM(ctx context.Context) (*blockdev.File, *fvm.VolumeManager, *cliFramework, error) {
	dev, err := openDevice(os.O_RDWR)
	if err != nil {
		return nil, nil, nil, err
	}
	fw := new(cliFramework)
	vpm, err := fvm.Bind(ctx, dev, fw)
	if err != nil {
		_ = dev.Close()
		return nil, nil, nil, err
	}
	if err := vpm.WaitLoad(ctx); err != nil {
		_ = vpm.Close()
		_ = dev.Close()
		return nil, nil, nil, err
	}
	return dev, vpm, fw, nil
}
