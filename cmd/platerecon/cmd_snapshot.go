// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/platerecon/services/recon/maths"
	"github.com/AleutianAI/platerecon/services/recon/storage/badger"
)

const snapshotDiffEpsilon = 1e-9

func (c *cli) newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Save and compare reconstruction tree snapshots",
	}
	cmd.AddCommand(
		c.newSnapshotSaveCmd(),
		c.newSnapshotListCmd(),
		c.newSnapshotDiffCmd(),
		c.newSnapshotDeleteCmd(),
	)
	return cmd
}

// withStore opens the snapshot store for the length of fn.
func (c *cli) withStore(fn func(store *badger.TreeStore) error) error {
	db, err := c.openStore()
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(badger.NewTreeStore(db, c.logger))
}

func (c *cli) newSnapshotSaveCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "save [files...]",
		Short: "Reconstruct rotation files and store the default tree",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.applyTimeFlags(cmd); err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := c.newState(args)
			if err != nil {
				return err
			}
			if _, err := s.Reconstruct(ctx); err != nil {
				return err
			}
			tree, err := s.ReconstructionTree(ctx, s.ReconstructionTime(), s.AnchoredPlateID())
			if err != nil {
				return err
			}
			if label == "" {
				label = fmt.Sprintf("%g Ma", tree.Time())
			}
			return c.withStore(func(store *badger.TreeStore) error {
				snap, err := store.Save(ctx, label, tree)
				if err != nil {
					return err
				}
				newPrinter(cmd.OutOrStdout()).Success(fmt.Sprintf("saved snapshot %s (%d plates)", snap.ID, len(snap.Rotations)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "snapshot label (default: the reconstruction time)")
	c.addTimeFlags(cmd)
	return cmd
}

func (c *cli) newSnapshotListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(func(store *badger.TreeStore) error {
				snaps, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				p := newPrinter(cmd.OutOrStdout())
				if len(snaps) == 0 {
					p.Info("no snapshots")
					return nil
				}
				rows := make([][]string, 0, len(snaps))
				for _, snap := range snaps {
					rows = append(rows, []string{
						snap.ID.String(), snap.Label, snap.CreatedAt.Format(time.RFC3339),
						formatFloat(snap.Time), strconv.FormatUint(uint64(snap.Anchor), 10),
						strconv.Itoa(len(snap.Rotations)),
					})
				}
				p.Table([]string{"ID", "LABEL", "CREATED", "TIME", "ANCHOR", "PLATES"}, rows)
				return nil
			})
		},
	}
}

func (c *cli) newSnapshotDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <id> [files...]",
		Short: "Compare a snapshot with the tree the files give now",
		Long: `diff rebuilds the default reconstruction tree from the files at the
snapshot's time and anchor, then lists the plates whose total rotation
differs from the stored one.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid snapshot id %q: %w", args[0], err)
			}
			ctx := cmd.Context()
			return c.withStore(func(store *badger.TreeStore) error {
				snap, err := store.Get(ctx, id)
				if err != nil {
					return err
				}
				s, err := c.newState(args[1:])
				if err != nil {
					return err
				}
				if _, err := s.Reconstruct(ctx); err != nil {
					return err
				}
				tree, err := s.ReconstructionTree(ctx, snap.Time, snap.Anchor)
				if err != nil {
					return err
				}

				p := newPrinter(cmd.OutOrStdout())
				changed := snap.Diff(tree, snapshotDiffEpsilon)
				if len(changed) == 0 {
					p.Success(fmt.Sprintf("snapshot %q matches", snap.Label))
					return nil
				}
				p.Warning(fmt.Sprintf("%d plates differ from snapshot %q", len(changed), snap.Label))
				rows := make([][]string, 0, len(changed))
				for _, plate := range changed {
					rows = append(rows, []string{
						strconv.FormatUint(uint64(plate), 10),
						describeRotation(snap.Rotation(plate)),
						describeRotation(tree.CompositeRotation(plate)),
					})
				}
				p.Table([]string{"PLATE", "SNAPSHOT", "NOW"}, rows)
				return nil
			})
		},
	}
}

func (c *cli) newSnapshotDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stored snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid snapshot id %q: %w", args[0], err)
			}
			return c.withStore(func(store *badger.TreeStore) error {
				if err := store.Delete(cmd.Context(), id); err != nil {
					return err
				}
				newPrinter(cmd.OutOrStdout()).Success("deleted snapshot " + id.String())
				return nil
			})
		},
	}
}

func describeRotation(r maths.FiniteRotation, ok bool) string {
	if !ok {
		return "-"
	}
	return r.String()
}
