// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/platerecon/services/recon/app"
	"github.com/AleutianAI/platerecon/services/recon/layer"
	"github.com/AleutianAI/platerecon/services/recon/model"
	"github.com/AleutianAI/platerecon/services/recon/proxy"
	"github.com/AleutianAI/platerecon/services/recon/storage/badger"
)

// snapshotDiffEpsilon is the rotation tolerance, in radians, below which a
// plate counts as unchanged.
const snapshotDiffEpsilon = 1e-9

var errLayerNotFound = errors.New("layer not found")

func (s *Server) fail(c *gin.Context, status int, code string, err error) {
	logger := s.requestLogger(c)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.String("code", code), slog.String("error", err.Error()))
	} else {
		logger.Warn("request rejected", slog.String("code", code), slog.String("error", err.Error()))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// =============================================================================
// Files
// =============================================================================

func (s *Server) handleListFiles(c *gin.Context) {
	paths := s.state.LoadedFiles()
	handles := make([][]layer.Layer, len(paths))
	for i, p := range paths {
		layers, err := s.state.FileLayers(p)
		if err != nil {
			continue
		}
		handles[i] = layers
	}

	out := make([]FileResponse, len(paths))
	err := s.state.Inspect(func(*layer.Graph, *layer.Reconstruction) error {
		for i, p := range paths {
			out[i] = FileResponse{Path: p, Layers: layerNames(handles[i])}
		}
		return nil
	})
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "GRAPH_ERROR", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// handleLoadFile handles POST /v1/files.
//
// Response:
//
//	201 Created: FileResponse
//	400 Bad Request: Missing path or unreadable collection
//	404 Not Found: No such file
//	409 Conflict: Already loaded
func (s *Server) handleLoadFile(c *gin.Context) {
	var req FileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}

	layers, err := s.state.LoadFile(req.Path)
	switch {
	case errors.Is(err, app.ErrFileAlreadyLoaded):
		s.fail(c, http.StatusConflict, "ALREADY_LOADED", err)
		return
	case errors.Is(err, fs.ErrNotExist):
		s.fail(c, http.StatusNotFound, "FILE_NOT_FOUND", err)
		return
	case err != nil:
		s.fail(c, http.StatusBadRequest, "INVALID_FILE", err)
		return
	}

	var resp FileResponse
	err = s.state.Inspect(func(*layer.Graph, *layer.Reconstruction) error {
		resp = FileResponse{Path: req.Path, Layers: layerNames(layers)}
		return nil
	})
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "GRAPH_ERROR", err)
		return
	}
	s.requestLogger(c).Info("file loaded", slog.String("path", req.Path), slog.Int("layers", len(layers)))
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleUnloadFile(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		s.fail(c, http.StatusBadRequest, "INVALID_REQUEST", errors.New("path query parameter is required"))
		return
	}
	if err := s.state.UnloadFile(path); err != nil {
		if errors.Is(err, app.ErrFileNotLoaded) {
			s.fail(c, http.StatusNotFound, "NOT_LOADED", err)
			return
		}
		s.fail(c, http.StatusInternalServerError, "UNLOAD_FAILED", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func layerNames(layers []layer.Layer) []string {
	names := make([]string, 0, len(layers))
	for _, l := range layers {
		if l.IsValid() {
			names = append(names, l.Name())
		}
	}
	return names
}

// =============================================================================
// Layers
// =============================================================================

func (s *Server) handleListLayers(c *gin.Context) {
	var out []LayerResponse
	err := s.state.Inspect(func(g *layer.Graph, _ *layer.Reconstruction) error {
		for _, l := range g.Layers() {
			resp, err := describeLayer(l)
			if err != nil {
				return err
			}
			out = append(out, resp)
		}
		return nil
	})
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "GRAPH_ERROR", err)
		return
	}
	if out == nil {
		out = []LayerResponse{}
	}
	c.JSON(http.StatusOK, out)
}

func describeLayer(l layer.Layer) (LayerResponse, error) {
	active, err := l.IsActive()
	if err != nil {
		return LayerResponse{}, err
	}
	resp := LayerResponse{Name: l.Name(), Type: "none", Active: active, Inputs: []ChannelInputs{}}

	typ, err := l.Type()
	if errors.Is(err, layer.ErrNoLayerTask) {
		return resp, nil
	}
	if err != nil {
		return LayerResponse{}, err
	}
	resp.Type = typ.String()

	defs, err := l.InputChannelDefinitions()
	if err != nil {
		return LayerResponse{}, err
	}
	for _, def := range defs {
		conns, err := l.ChannelInputs(def.Name)
		if err != nil {
			return LayerResponse{}, err
		}
		ch := ChannelInputs{Channel: def.Name, Sources: []string{}}
		for _, conn := range conns {
			src, err := describeSource(conn)
			if err != nil {
				return LayerResponse{}, err
			}
			ch.Sources = append(ch.Sources, src)
		}
		resp.Inputs = append(resp.Inputs, ch)
	}
	return resp, nil
}

func describeSource(conn layer.InputConnection) (string, error) {
	if in, ok, err := conn.InputFile(); err != nil {
		return "", err
	} else if ok {
		f, err := in.File()
		if err != nil {
			return "", err
		}
		return f.Path(), nil
	}
	src, _, err := conn.InputLayer()
	if err != nil {
		return "", err
	}
	return src.Name(), nil
}

func (s *Server) handleActivateLayer(c *gin.Context) {
	var req ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	name := c.Param("name")

	var resp LayerResponse
	err := s.state.Inspect(func(g *layer.Graph, _ *layer.Reconstruction) error {
		for _, l := range g.Layers() {
			if l.Name() != name {
				continue
			}
			if err := l.Activate(*req.Active); err != nil {
				return err
			}
			var err error
			resp, err = describeLayer(l)
			return err
		}
		return errLayerNotFound
	})
	if errors.Is(err, errLayerNotFound) {
		s.fail(c, http.StatusNotFound, "LAYER_NOT_FOUND", err)
		return
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "GRAPH_ERROR", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// =============================================================================
// Reconstruction
// =============================================================================

func (s *Server) handleGetReconstruction(c *gin.Context) {
	resp, err := s.summarise(c.Request.Context())
	if errors.Is(err, app.ErrNotReconstructed) {
		s.fail(c, http.StatusNotFound, "NO_RECONSTRUCTION", err)
		return
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "GRAPH_ERROR", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleReconstruct(c *gin.Context) {
	if _, err := s.state.Reconstruct(c.Request.Context()); err != nil {
		s.fail(c, http.StatusInternalServerError, "RECONSTRUCT_FAILED", err)
		return
	}
	s.handleGetReconstruction(c)
}

// summarise pulls every output of the latest reconstruction under the
// state lock.
func (s *Server) summarise(ctx context.Context) (ReconstructionResponse, error) {
	var resp ReconstructionResponse
	err := s.state.Inspect(func(_ *layer.Graph, r *layer.Reconstruction) error {
		if r == nil {
			return app.ErrNotReconstructed
		}
		resp = ReconstructionResponse{
			Time:    r.Time(),
			Anchor:  uint32(r.AnchorPlateID()),
			Outputs: make([]OutputSummary, 0, len(r.Outputs())),
		}
		for _, out := range r.Outputs() {
			summary := OutputSummary{Layer: out.Layer.Name(), Kind: out.Proxy.Kind().String()}
			proxy.Accept(out.Proxy, proxy.Visitor{
				Reconstruction: func(p *proxy.ReconstructionLayerProxy) {
					summary.Items = len(p.CurrentReconstructionTree(ctx).Plates())
					stats := p.CacheStats()
					summary.Cache = &CacheSummary{
						Entries:    stats.Entries,
						MaxEntries: p.MaxTreesInCache(),
						Hits:       stats.Hits,
						Misses:     stats.Misses,
						Evictions:  stats.Evictions,
						HitRate:    stats.HitRate(),
					}
				},
				Reconstruct: func(p *proxy.ReconstructLayerProxy) {
					summary.Items = len(p.CurrentReconstructedFeatureGeometries(ctx))
				},
				TopologyBoundaryResolver: func(p *proxy.TopologyBoundaryResolverLayerProxy) {
					summary.Items = len(p.CurrentResolvedTopologicalBoundaries(ctx))
				},
				TopologyNetworkResolver: func(p *proxy.TopologyNetworkResolverLayerProxy) {
					summary.Items = len(p.CurrentResolvedTopologicalNetworks(ctx))
				},
				CoRegistration: func(p *proxy.CoRegistrationLayerProxy) {
					if data, ok := p.CurrentCoRegistrationData(ctx); ok {
						summary.Items = len(data.Results)
					}
				},
			})
			resp.Outputs = append(resp.Outputs, summary)
		}
		if def, ok := r.DefaultReconstructionLayerProxy(); ok {
			for _, out := range r.Outputs() {
				if out.Proxy == def {
					resp.DefaultTreeLayer = out.Layer.Name()
				}
			}
		}
		return nil
	})
	return resp, err
}

func (s *Server) handleSetTime(c *gin.Context) {
	var req TimeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	changed, err := s.state.SetReconstructionTime(c.Request.Context(), *req.Time)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "RECONSTRUCT_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, s.changeResponse(changed))
}

func (s *Server) handleSetAnchor(c *gin.Context) {
	var req AnchorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}
	changed, err := s.state.SetAnchoredPlateID(c.Request.Context(), model.PlateID(*req.Anchor))
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "RECONSTRUCT_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, s.changeResponse(changed))
}

func (s *Server) changeResponse(changed bool) ChangeResponse {
	return ChangeResponse{
		Changed: changed,
		Time:    s.state.ReconstructionTime(),
		Anchor:  uint32(s.state.AnchoredPlateID()),
	}
}

// =============================================================================
// Snapshots
// =============================================================================

func (s *Server) requireSnapshots(c *gin.Context) bool {
	if s.snapshots == nil {
		s.fail(c, http.StatusServiceUnavailable, "SNAPSHOTS_DISABLED", errors.New("snapshot store not configured"))
		return false
	}
	return true
}

func snapshotResponse(snap *badger.Snapshot) SnapshotResponse {
	return SnapshotResponse{
		ID:        snap.ID,
		Label:     snap.Label,
		CreatedAt: snap.CreatedAt,
		Time:      snap.Time,
		Anchor:    uint32(snap.Anchor),
		Plates:    len(snap.Rotations),
	}
}

func (s *Server) handleListSnapshots(c *gin.Context) {
	if !s.requireSnapshots(c) {
		return
	}
	snaps, err := s.snapshots.List(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "STORAGE_ERROR", err)
		return
	}
	out := make([]SnapshotResponse, len(snaps))
	for i, snap := range snaps {
		out[i] = snapshotResponse(snap)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateSnapshot(c *gin.Context) {
	if !s.requireSnapshots(c) {
		return
	}
	var req SnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "INVALID_REQUEST", err)
		return
	}

	ctx := c.Request.Context()
	tree, err := s.state.ReconstructionTree(ctx, s.state.ReconstructionTime(), s.state.AnchoredPlateID())
	if err != nil {
		s.fail(c, http.StatusConflict, "NO_DEFAULT_TREE", err)
		return
	}
	snap, err := s.snapshots.Save(ctx, req.Label, tree)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "STORAGE_ERROR", err)
		return
	}
	c.JSON(http.StatusCreated, snapshotResponse(snap))
}

// handleDiffSnapshot compares a snapshot with the current default tree at
// the snapshot's time and anchor.
func (s *Server) handleDiffSnapshot(c *gin.Context) {
	if !s.requireSnapshots(c) {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, http.StatusBadRequest, "INVALID_ID", err)
		return
	}

	ctx := c.Request.Context()
	snap, err := s.snapshots.Get(ctx, id)
	if errors.Is(err, badger.ErrSnapshotNotFound) {
		s.fail(c, http.StatusNotFound, "SNAPSHOT_NOT_FOUND", err)
		return
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "STORAGE_ERROR", err)
		return
	}

	tree, err := s.state.ReconstructionTree(ctx, snap.Time, snap.Anchor)
	if err != nil {
		s.fail(c, http.StatusConflict, "NO_DEFAULT_TREE", err)
		return
	}
	changed := snap.Diff(tree, snapshotDiffEpsilon)
	resp := DiffResponse{ID: snap.ID, Changed: make([]uint32, len(changed))}
	for i, p := range changed {
		resp.Changed[i] = uint32(p)
	}
	c.JSON(http.StatusOK, resp)
}
