// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/fvm-progs-ng/lib/binfmt"
	"git.lukeshu.com/fvm-progs-ng/lib/fvm/fvmformat"
	"git.lukeshu.com/fvm-progs-ng/lib/fvm/fvmsum"
	"git.lukeshu.com/fvm-progs-ng/lib/jsonutil"
)

type dumpPartition struct {
	Index    int
	Type     fvmformat.GUID
	GUID     fvmformat.GUID
	Name     fvmformat.Name
	Slices   uint32
	Inactive bool `json:",omitempty"`
}

type dumpSlice struct {
	PSlice fvmformat.PSlice
	VPart  uint64
	VSlice fvmformat.VSlice
}

type dumpOutput struct {
	Copy        string
	Generation  fvmformat.Generation
	SliceSize   uint64
	DiskSize    uint64
	PSliceCount uint64
	Hash        fvmsum.CSum
	Partitions  []dumpPartition
	Slices      []dumpSlice
}

func init() {
	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "dump",
			Short: "Dump the winning metadata copy as JSON",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(ctx context.Context, _ *cobra.Command, _ []string) error {
			dev, err := openDevice(os.O_RDONLY)
			if err != nil {
				return err
			}
			defer func() { _ = dev.Close() }()

			diskSize := dev.BlockCount() * uint64(dev.BlockSize())
			hdrBuf := make([]byte, fvmformat.BlockSize)
			if _, err := dev.ReadAt(hdrBuf, 0); err != nil {
				return err
			}
			var hdr fvmformat.Header
			if _, err := binfmt.Unmarshal(hdrBuf, &hdr); err != nil {
				return err
			}
			metadataSize := hdr.MetadataSize()
			primary := make([]byte, metadataSize)
			backup := make([]byte, metadataSize)
			if _, err := dev.ReadAt(primary, 0); err != nil {
				return err
			}
			if _, err := dev.ReadAt(backup, int64(metadataSize)); err != nil {
				return err
			}
			winner, err := fvmformat.Pick(primary, backup, diskSize, dev.BlockSize())
			if err != nil {
				return err
			}
			winnerBuf := primary
			if winner == fvmformat.CopyBackup {
				winnerBuf = backup
			}
			meta, err := fvmformat.Unmarshal(winnerBuf)
			if err != nil {
				return err
			}

			out := dumpOutput{
				Copy:        winner.String(),
				Generation:  meta.Header.Generation,
				SliceSize:   meta.Header.SliceSize,
				DiskSize:    meta.Header.DiskSize,
				PSliceCount: meta.Header.PSliceCount,
				Hash:        meta.Header.Hash,
			}
			for i := 1; i < fvmformat.MaxVPartitions; i++ {
				ent := &meta.Partitions[i]
				if ent.IsFree() {
					continue
				}
				out.Partitions = append(out.Partitions, dumpPartition{
					Index:    i,
					Type:     ent.Type,
					GUID:     ent.GUID,
					Name:     ent.Name,
					Slices:   ent.Slices,
					Inactive: ent.IsInactive(),
				})
			}
			for i, ent := range meta.Slices {
				if ent.IsFree() {
					continue
				}
				out.Slices = append(out.Slices, dumpSlice{
					PSlice: fvmformat.PSlice(i),
					VPart:  ent.VPart(),
					VSlice: ent.VSlice(),
				})
			}
			return jsonutil.Encode(os.Stdout, out)
		},
	})
}
