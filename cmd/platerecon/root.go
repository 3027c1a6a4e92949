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
	"math"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/platerecon/services/recon/app"
	"github.com/AleutianAI/platerecon/services/recon/config"
	"github.com/AleutianAI/platerecon/services/recon/layer"
	"github.com/AleutianAI/platerecon/services/recon/storage/badger"
	"github.com/AleutianAI/platerecon/services/recon/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

// cli carries what every subcommand shares once the root has run its
// pre-run hook.
type cli struct {
	configPath string
	logLevel   string

	cfg      config.Config
	logger   *slog.Logger
	shutdown func(context.Context) error
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "platerecon",
		Short: "Reconstruct plate tectonic feature data through a layer graph",
		Long: `platerecon loads feature collection files, builds the layer graph
that reconstructs them, and runs it at a reconstruction time.`,
		SilenceUsage:       true,
		PersistentPreRunE:  c.setup,
		PersistentPostRunE: c.teardown,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to a YAML configuration file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		c.newReconstructCmd(),
		c.newLayersCmd(),
		c.newCoRegisterCmd(),
		c.newWatchCmd(),
		c.newServeCmd(),
		c.newSnapshotCmd(),
		c.newConfigCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	c.cfg = cfg
	c.logger = cfg.NewLogger(cmd.ErrOrStderr())
	slog.SetDefault(c.logger)

	shutdown, err := telemetry.Init(cmd.Context(), cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	c.shutdown = shutdown
	return nil
}

func (c *cli) teardown(*cobra.Command, []string) error {
	if c.shutdown == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	return c.shutdown(ctx)
}

// addTimeFlags binds --time and --anchor over the configured values.
func (c *cli) addTimeFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("time", 0, "reconstruction time in Ma (default from config)")
	cmd.Flags().Uint32("anchor", 0, "anchor plate id (default from config)")
}

func (c *cli) applyTimeFlags(cmd *cobra.Command) error {
	if cmd.Flags().Changed("time") {
		t, err := cmd.Flags().GetFloat64("time")
		if err != nil {
			return err
		}
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("--time must be finite, got %g", t)
		}
		if t < 0 {
			return fmt.Errorf("--time must not be negative, got %g", t)
		}
		c.cfg.Reconstruction.Time = t
	}
	if cmd.Flags().Changed("anchor") {
		a, err := cmd.Flags().GetUint32("anchor")
		if err != nil {
			return err
		}
		c.cfg.Reconstruction.AnchorPlateID = a
	}
	return nil
}

// newState builds an application state from the configuration and loads
// paths into it.
func (c *cli) newState(paths []string) (*app.State, error) {
	s := app.New(
		app.WithLogger(c.logger),
		app.WithMaxTreesInCache(c.cfg.Reconstruction.MaxTreesInCache),
		app.WithInitialTime(c.cfg.Reconstruction.Time, c.cfg.AnchorPlateID()),
		app.WithCoRegistrationTable(c.cfg.CoRegistrationTable()),
	)
	for _, p := range paths {
		if _, err := s.LoadFile(p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// layersOfType returns the layers of typ created for path.
func layersOfType(s *app.State, path string, typ layer.LayerTaskType) ([]layer.Layer, error) {
	all, err := s.FileLayers(path)
	if err != nil {
		return nil, err
	}
	var out []layer.Layer
	err = s.Inspect(func(*layer.Graph, *layer.Reconstruction) error {
		for _, l := range all {
			if t, err := l.Type(); err == nil && t == typ {
				out = append(out, l)
			}
		}
		return nil
	})
	return out, err
}

func (c *cli) openStore() (*badger.DB, error) {
	if c.cfg.Storage.InMemory {
		return badger.OpenInMemory()
	}
	cfg := badger.DefaultConfig()
	cfg.Path = c.cfg.Storage.Path
	cfg.Logger = c.logger
	return badger.Open(cfg)
}
