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
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/platerecon/services/recon/api"
	"github.com/AleutianAI/platerecon/services/recon/app"
	"github.com/AleutianAI/platerecon/services/recon/fileio"
	"github.com/AleutianAI/platerecon/services/recon/layer"
	"github.com/AleutianAI/platerecon/services/recon/storage/badger"
)

func (c *cli) newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [files...]",
		Short: "Reconstruct feature files and again whenever one changes",
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
			p := newPrinter(cmd.OutOrStdout())
			if _, err := s.Reconstruct(ctx); err != nil {
				return err
			}
			if err := printReconstruction(ctx, p, s); err != nil {
				return err
			}

			w, err := c.startWatcher(ctx, s, func() {
				if err := printReconstruction(ctx, p, s); err != nil {
					p.Warning(err.Error())
				}
			})
			if err != nil {
				return err
			}
			defer w.Stop()

			p.Info(fmt.Sprintf("watching %d files, press Ctrl+C to stop", len(w.Files())))
			<-ctx.Done()
			return nil
		},
	}
	c.addTimeFlags(cmd)
	return cmd
}

func (c *cli) newServeCmd() *cobra.Command {
	var (
		addr  string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "serve [files...]",
		Short: "Serve the layer graph over HTTP",
		Long: `serve loads the given feature files and exposes the layer graph,
the reconstruction and tree snapshots over a JSON API. With --watch the
loaded files are reconstructed again whenever they change on disk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.applyTimeFlags(cmd); err != nil {
				return err
			}
			if addr == "" {
				addr = c.cfg.Server.Addr
			}
			s, err := c.newState(args)
			if err != nil {
				return err
			}
			if len(args) > 0 {
				if _, err := s.Reconstruct(cmd.Context()); err != nil {
					return err
				}
			}

			db, err := c.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			server := api.NewServer(s, api.Options{
				RequestsPerSecond: c.cfg.Server.RequestsPerSecond,
				Burst:             c.cfg.Server.Burst,
				Snapshots:         badger.NewTreeStore(db, c.logger),
				Logger:            c.logger,
			})

			g, ctx := errgroup.WithContext(cmd.Context())
			if watch {
				w, err := c.startWatcher(ctx, s, nil)
				if err != nil {
					return err
				}
				defer w.Stop()
			}
			g.Go(func() error {
				return server.Run(ctx, addr)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&watch, "watch", false, "reconstruct again when loaded files change")
	c.addTimeFlags(cmd)
	return cmd
}

// startWatcher watches every file loaded into s, following later loads and
// unloads, and reconstructs after each debounced batch. after runs once a
// batch has been applied and may be nil.
func (c *cli) startWatcher(ctx context.Context, s *app.State, after func()) (*fileio.FileWatcher, error) {
	w, err := fileio.NewFileWatcher(func(changes []fileio.FileChange) {
		for _, ch := range changes {
			c.logger.Info("file changed", slog.String("path", ch.Path), slog.String("op", ch.Op.String()))
		}
		if err := s.HandleFileChanges(ctx, changes); err != nil {
			c.logger.Error("apply file changes", slog.String("error", err.Error()))
		}
		if after != nil {
			after()
		}
	}, &fileio.FileWatcherOptions{
		DebounceWindow: c.cfg.Watch.Debounce,
		Logger:         c.logger,
	})
	if err != nil {
		return nil, err
	}

	for _, path := range s.LoadedFiles() {
		if err := w.Add(path); err != nil {
			w.Stop()
			return nil, err
		}
	}
	unsubscribe := s.SubscribeGraph(func(e layer.Event) {
		if e.Kind != layer.EventInputFileAdded && e.Kind != layer.EventInputFileAboutToBeRemoved {
			return
		}
		f, err := e.InputFile.File()
		if err != nil {
			return
		}
		if e.Kind == layer.EventInputFileAdded {
			err = w.Add(f.Path())
		} else {
			err = w.Remove(f.Path())
		}
		if err != nil {
			c.logger.Warn("update watched files", slog.String("path", f.Path()), slog.String("error", err.Error()))
		}
	})
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	if err := w.Start(ctx); err != nil {
		w.Stop()
		return nil, err
	}
	return w, nil
}
