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
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/golang/geo/s1"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/platerecon/services/recon/app"
	"github.com/AleutianAI/platerecon/services/recon/layer"
	"github.com/AleutianAI/platerecon/services/recon/maths"
	"github.com/AleutianAI/platerecon/services/recon/proxy"
	"github.com/AleutianAI/platerecon/services/recon/resolve"
)

func (c *cli) newReconstructCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconstruct [files...]",
		Short: "Load feature files and reconstruct them at one time",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.applyTimeFlags(cmd); err != nil {
				return err
			}
			s, err := c.newState(args)
			if err != nil {
				return err
			}
			if _, err := s.Reconstruct(cmd.Context()); err != nil {
				return err
			}
			return printReconstruction(cmd.Context(), newPrinter(cmd.OutOrStdout()), s)
		},
	}
	c.addTimeFlags(cmd)
	return cmd
}

func (c *cli) newLayersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "layers [files...]",
		Short: "Show the layers created for feature files and how they connect",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.newState(args)
			if err != nil {
				return err
			}
			return printLayers(newPrinter(cmd.OutOrStdout()), s)
		},
	}
}

func (c *cli) newCoRegisterCmd() *cobra.Command {
	var (
		seeds   string
		targets []string
		rows    []string
	)
	cmd := &cobra.Command{
		Use:   "coregister [rotation files...]",
		Short: "Co-register seed features against target features",
		Long: `coregister reconstructs seed and target feature files with the given
rotation files, then evaluates each co-registration row for every seed.

Rows come from the configuration file or from repeated --row flags of the
form name:radius_degrees:operation, where operation is count, min_distance
or presence.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.applyTimeFlags(cmd); err != nil {
				return err
			}
			table := c.cfg.CoRegistrationTable()
			if len(rows) > 0 {
				parsed, err := parseRows(rows)
				if err != nil {
					return err
				}
				table = parsed
			}
			if len(table) == 0 {
				return errors.New("no co-registration rows: configure co_registration or pass --row")
			}

			paths := append(append(slices.Clone(args), seeds), targets...)
			s, err := c.newState(uniquePaths(paths))
			if err != nil {
				return err
			}
			seedLayers, err := layersOfType(s, seeds, layer.TaskReconstruct)
			if err != nil {
				return err
			}
			var targetLayers []layer.Layer
			for _, t := range targets {
				ls, err := layersOfType(s, t, layer.TaskReconstruct)
				if err != nil {
					return err
				}
				targetLayers = append(targetLayers, ls...)
			}

			l, err := s.AddCoRegistrationLayer(seedLayers, targetLayers, table)
			if err != nil {
				return err
			}
			if _, err := s.Reconstruct(cmd.Context()); err != nil {
				return err
			}
			return printCoRegistration(cmd.Context(), newPrinter(cmd.OutOrStdout()), s, l)
		},
	}
	cmd.Flags().StringVar(&seeds, "seeds", "", "feature file holding the seed features")
	cmd.Flags().StringSliceVar(&targets, "targets", nil, "feature files holding the target features")
	cmd.Flags().StringArrayVar(&rows, "row", nil, "co-registration row name:radius_degrees:operation (repeatable)")
	_ = cmd.MarkFlagRequired("seeds")
	_ = cmd.MarkFlagRequired("targets")
	c.addTimeFlags(cmd)
	return cmd
}

// uniquePaths drops repeated paths, keeping the first occurrence.
func uniquePaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	return slices.DeleteFunc(paths, func(p string) bool {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		if seen[abs] {
			return true
		}
		seen[abs] = true
		return false
	})
}

// parseRows parses name:radius_degrees:operation specs.
func parseRows(specs []string) ([]resolve.ConfigRow, error) {
	out := make([]resolve.ConfigRow, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) != 3 || parts[0] == "" {
			return nil, fmt.Errorf("row %q: want name:radius_degrees:operation", spec)
		}
		if seen[parts[0]] {
			return nil, fmt.Errorf("row %q: duplicate name", spec)
		}
		seen[parts[0]] = true
		radius, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || radius <= 0 || radius > 180 {
			return nil, fmt.Errorf("row %q: radius must be in (0, 180] degrees", spec)
		}
		op, ok := resolve.ParseOperation(parts[2])
		if !ok {
			return nil, fmt.Errorf("row %q: unknown operation %q", spec, parts[2])
		}
		out = append(out, resolve.ConfigRow{Name: parts[0], Radius: s1.Angle(radius) * s1.Degree, Operation: op})
	}
	return out, nil
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func printReconstruction(ctx context.Context, p *printer, s *app.State) error {
	return s.Inspect(func(_ *layer.Graph, r *layer.Reconstruction) error {
		if r == nil {
			return app.ErrNotReconstructed
		}
		p.Title(fmt.Sprintf("Reconstruction at %g Ma, anchor plate %d", r.Time(), r.AnchorPlateID()))

		var summary, geometries [][]string
		for _, out := range r.Outputs() {
			name := out.Layer.Name()
			items := 0
			proxy.Accept(out.Proxy, proxy.Visitor{
				Reconstruction: func(rp *proxy.ReconstructionLayerProxy) {
					items = len(rp.CurrentReconstructionTree(ctx).Plates())
				},
				Reconstruct: func(rp *proxy.ReconstructLayerProxy) {
					rfgs := rp.CurrentReconstructedFeatureGeometries(ctx)
					items = len(rfgs)
					for _, rfg := range rfgs {
						lat, lon := maths.LatLon(rfg.Geometry.Points[0])
						geometries = append(geometries, []string{
							name, rfg.FeatureID(), strconv.FormatUint(uint64(rfg.PlateID), 10),
							rfg.Geometry.Kind.String(), formatCoord(lat), formatCoord(lon),
							strconv.Itoa(len(rfg.Geometry.Points)),
						})
					}
				},
				TopologyBoundaryResolver: func(tp *proxy.TopologyBoundaryResolverLayerProxy) {
					boundaries := tp.CurrentResolvedTopologicalBoundaries(ctx)
					items = len(boundaries)
					for _, b := range boundaries {
						geometries = append(geometries, boundaryRow(name, b))
					}
				},
				TopologyNetworkResolver: func(tp *proxy.TopologyNetworkResolverLayerProxy) {
					networks := tp.CurrentResolvedTopologicalNetworks(ctx)
					items = len(networks)
					for _, n := range networks {
						geometries = append(geometries, boundaryRow(name, &n.ResolvedTopologicalBoundary))
					}
				},
				CoRegistration: func(cp *proxy.CoRegistrationLayerProxy) {
					if data, ok := cp.CurrentCoRegistrationData(ctx); ok {
						items = len(data.Results)
					}
				},
			})
			summary = append(summary, []string{name, out.Proxy.Kind().String(), strconv.Itoa(items)})
		}

		p.Table([]string{"LAYER", "KIND", "ITEMS"}, summary)
		if len(geometries) > 0 {
			p.Table([]string{"LAYER", "FEATURE", "PLATE", "GEOMETRY", "LAT", "LON", "POINTS"}, geometries)
		}
		return nil
	})
}

func boundaryRow(layerName string, b *resolve.ResolvedTopologicalBoundary) []string {
	first := b.Boundary.Vertex(0)
	lat, lon := maths.LatLon(first)
	return []string{
		layerName, b.Feature.ID, strconv.FormatUint(uint64(b.PlateID), 10),
		"boundary", formatCoord(lat), formatCoord(lon), strconv.Itoa(b.Boundary.NumVertices()),
	}
}

func printLayers(p *printer, s *app.State) error {
	return s.Inspect(func(g *layer.Graph, _ *layer.Reconstruction) error {
		var rows [][]string
		for _, l := range g.Layers() {
			active, err := l.IsActive()
			if err != nil {
				return err
			}
			typ := "none"
			var inputs []string
			if t, err := l.Type(); err == nil {
				typ = t.String()
				conns, err := l.AllInputs()
				if err != nil {
					return err
				}
				for _, conn := range conns {
					inputs = append(inputs, describeConnection(conn))
				}
			}
			rows = append(rows, []string{l.Name(), typ, strconv.FormatBool(active), strings.Join(inputs, "; ")})
		}
		if def, ok := g.DefaultReconstructionTreeLayer(); ok {
			p.Info("default reconstruction tree layer: " + def.Name())
		}
		p.Table([]string{"LAYER", "TYPE", "ACTIVE", "INPUTS"}, rows)
		return nil
	})
}

func describeConnection(conn layer.InputConnection) string {
	channel, _ := conn.ChannelName()
	if in, ok, err := conn.InputFile(); err == nil && ok {
		if f, err := in.File(); err == nil {
			return channel + " <- " + f.Path()
		}
	}
	if src, ok, err := conn.InputLayer(); err == nil && ok {
		return channel + " <- " + src.Name()
	}
	return channel
}

func printCoRegistration(ctx context.Context, p *printer, s *app.State, l layer.Layer) error {
	return s.Inspect(func(_ *layer.Graph, r *layer.Reconstruction) error {
		if r == nil {
			return app.ErrNotReconstructed
		}
		out, ok := r.Output(l)
		if !ok {
			return fmt.Errorf("co-registration layer %s produced no output", l)
		}
		cp, ok := proxy.As[*proxy.CoRegistrationLayerProxy](out)
		if !ok {
			return fmt.Errorf("layer %s produced %s output", l, out.Kind())
		}
		data, ok := cp.CurrentCoRegistrationData(ctx)
		if !ok {
			p.Warning("co-registration has no seeds or targets")
			return nil
		}

		headers := []string{"SEED"}
		for _, row := range data.Config {
			headers = append(headers, fmt.Sprintf("%s (%s %.4g°)", strings.ToUpper(row.Name), row.Operation, row.Radius.Degrees()))
		}
		rows := make([][]string, 0, len(data.Results))
		for _, res := range data.Results {
			row := []string{res.SeedFeatureID}
			for _, v := range res.Values {
				row = append(row, formatFloat(v))
			}
			rows = append(rows, row)
		}
		p.Title(fmt.Sprintf("Co-registration at %g Ma", data.Time))
		p.Table(headers, rows)
		return nil
	})
}
