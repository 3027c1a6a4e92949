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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/geo/s2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/platerecon/services/recon/app"
	"github.com/AleutianAI/platerecon/services/recon/fileio"
	"github.com/AleutianAI/platerecon/services/recon/maths"
	"github.com/AleutianAI/platerecon/services/recon/model"
	"github.com/AleutianAI/platerecon/services/recon/storage/badger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func rotations(angle float64) *model.FeatureCollection {
	return model.NewFeatureCollection("rotations", &model.Feature{
		ID:          "seq-701",
		Type:        model.FeatureTotalReconstructionSequence,
		MovingPlate: 701,
		Poles: []model.PoleSample{
			{Time: 0, Rotation: maths.Identity()},
			{Time: 100, Rotation: maths.FromPoleDegrees(90, 0, angle)},
		},
	})
}

func coast() *model.FeatureCollection {
	return model.NewFeatureCollection("coast", &model.Feature{
		ID:       "coast-1",
		Type:     "Coastline",
		PlateID:  701,
		Geometry: &model.Geometry{Kind: model.GeometryPoint, Points: []s2.Point{maths.PointFromLatLon(0, 0)}},
	})
}

type fixture struct {
	dir     string
	rotPath string
	state   *app.State
	server  *Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:     dir,
		rotPath: filepath.Join(dir, "rotations.yaml"),
		state:   app.New(),
	}
	require.NoError(t, fileio.WriteFile(f.rotPath, rotations(40)))
	require.NoError(t, fileio.WriteFile(filepath.Join(dir, "coast.yaml"), coast()))
	f.server = NewServer(f.state, opts)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) loadAll(t *testing.T) {
	t.Helper()
	for _, name := range []string{"rotations.yaml", "coast.yaml"} {
		w := f.do(t, http.MethodPost, "/v1/files", FileRequest{Path: filepath.Join(f.dir, name)})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t, Options{})
	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, HealthResponse{Status: "healthy", Version: ServiceVersion}, decode[HealthResponse](t, w))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, Options{})
	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestServer_FilesAndLayers(t *testing.T) {
	f := newFixture(t, Options{})
	f.loadAll(t)

	files := decode[[]FileResponse](t, f.do(t, http.MethodGet, "/v1/files", nil))
	require.Len(t, files, 2)
	assert.Equal(t, []string{"reconstruction-1"}, files[0].Layers)
	assert.Equal(t, []string{"reconstruct-2"}, files[1].Layers)

	layers := decode[[]LayerResponse](t, f.do(t, http.MethodGet, "/v1/layers", nil))
	require.Len(t, layers, 2)
	assert.Equal(t, "reconstruct", layers[1].Type)
	assert.True(t, layers[1].Active)

	var fed []string
	for _, ch := range layers[1].Inputs {
		fed = append(fed, ch.Sources...)
	}
	assert.Equal(t, []string{filepath.Join(f.dir, "coast.yaml")}, fed)

	w := f.do(t, http.MethodDelete, "/v1/files?path="+url.QueryEscape(filepath.Join(f.dir, "coast.yaml")), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	layers = decode[[]LayerResponse](t, f.do(t, http.MethodGet, "/v1/layers", nil))
	assert.Len(t, layers, 1)
}

func TestServer_FileErrors(t *testing.T) {
	f := newFixture(t, Options{})
	f.loadAll(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing path", http.MethodPost, "/v1/files", map[string]string{}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"no such file", http.MethodPost, "/v1/files", FileRequest{Path: filepath.Join(f.dir, "nope.yaml")}, http.StatusNotFound, "FILE_NOT_FOUND"},
		{"already loaded", http.MethodPost, "/v1/files", FileRequest{Path: f.rotPath}, http.StatusConflict, "ALREADY_LOADED"},
		{"unload without path", http.MethodDelete, "/v1/files", nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unload unknown", http.MethodDelete, "/v1/files?path=other.yaml", nil, http.StatusNotFound, "NOT_LOADED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestServer_Reconstruction(t *testing.T) {
	f := newFixture(t, Options{})
	f.loadAll(t)

	w := f.do(t, http.MethodGet, "/v1/reconstruction", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPut, "/v1/reconstruction/time", map[string]float64{"time": 100})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, ChangeResponse{Changed: true, Time: 100}, decode[ChangeResponse](t, w))

	w = f.do(t, http.MethodPut, "/v1/reconstruction/time", map[string]float64{"time": 100})
	assert.False(t, decode[ChangeResponse](t, w).Changed)

	w = f.do(t, http.MethodPut, "/v1/reconstruction/time", map[string]float64{"time": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	resp := decode[ReconstructionResponse](t, f.do(t, http.MethodGet, "/v1/reconstruction", nil))
	assert.Equal(t, 100.0, resp.Time)
	assert.Equal(t, "reconstruction-1", resp.DefaultTreeLayer)
	require.Len(t, resp.Outputs, 2)
	assert.Equal(t, "reconstruction", resp.Outputs[0].Kind)
	assert.Equal(t, 2, resp.Outputs[0].Items, "anchor plus plate 701")
	require.NotNil(t, resp.Outputs[0].Cache)
	assert.GreaterOrEqual(t, resp.Outputs[0].Cache.Entries, 1)
	assert.Equal(t, OutputSummary{Layer: "reconstruct-2", Kind: "reconstruct", Items: 1}, resp.Outputs[1])

	w = f.do(t, http.MethodPut, "/v1/reconstruction/anchor", map[string]uint32{"anchor": 701})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ChangeResponse{Changed: true, Time: 100, Anchor: 701}, decode[ChangeResponse](t, w))

	w = f.do(t, http.MethodPost, "/v1/reconstruction", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, uint32(701), decode[ReconstructionResponse](t, w).Anchor)
}

func TestServer_ActivateLayer(t *testing.T) {
	f := newFixture(t, Options{})
	f.loadAll(t)

	w := f.do(t, http.MethodPut, "/v1/layers/reconstruct-2/active", map[string]bool{"active": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, decode[LayerResponse](t, w).Active)

	w = f.do(t, http.MethodPost, "/v1/reconstruction", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[ReconstructionResponse](t, w).Outputs, 1, "inactive layer produces nothing")

	w = f.do(t, http.MethodPut, "/v1/layers/missing-9/active", map[string]bool{"active": true})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPut, "/v1/layers/reconstruct-2/active", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_RateLimit(t *testing.T) {
	f := newFixture(t, Options{RequestsPerSecond: 0.001, Burst: 1})
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", nil).Code)

	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", decode[ErrorResponse](t, w).Code)
}

func TestServer_Snapshots(t *testing.T) {
	disabled := newFixture(t, Options{})
	assert.Equal(t, http.StatusServiceUnavailable, disabled.do(t, http.MethodGet, "/v1/snapshots", nil).Code)

	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	f := newFixture(t, Options{Snapshots: badger.NewTreeStore(db, nil)})
	f.loadAll(t)
	ctx := context.Background()

	w := f.do(t, http.MethodPost, "/v1/snapshots", SnapshotRequest{Label: "before"})
	assert.Equal(t, http.StatusConflict, w.Code, "nothing reconstructed yet")

	_, err = f.state.SetReconstructionTime(ctx, 100)
	require.NoError(t, err)
	w = f.do(t, http.MethodPost, "/v1/snapshots", SnapshotRequest{Label: "before"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	snap := decode[SnapshotResponse](t, w)
	assert.Equal(t, 2, snap.Plates)

	list := decode[[]SnapshotResponse](t, f.do(t, http.MethodGet, "/v1/snapshots", nil))
	require.Len(t, list, 1)
	assert.Equal(t, snap.ID, list[0].ID)

	diff := decode[DiffResponse](t, f.do(t, http.MethodGet, "/v1/snapshots/"+snap.ID.String()+"/diff", nil))
	assert.Empty(t, diff.Changed)

	require.NoError(t, fileio.WriteFile(f.rotPath, rotations(55)))
	require.NoError(t, f.state.HandleFileChanges(ctx, []fileio.FileChange{{Path: f.rotPath, Op: fileio.FileOpWrite}}))

	diff = decode[DiffResponse](t, f.do(t, http.MethodGet, "/v1/snapshots/"+snap.ID.String()+"/diff", nil))
	assert.Equal(t, []uint32{701}, diff.Changed)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/snapshots/not-a-uuid/diff", nil).Code)
	assert.Equal(t, http.StatusNotFound,
		f.do(t, http.MethodGet, "/v1/snapshots/00000000-0000-0000-0000-000000000001/diff", nil).Code)
}

func TestServer_Events(t *testing.T) {
	f := newFixture(t, Options{})
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	read := func() EventMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg EventMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}
	readUntil := func(typ string) EventMessage {
		t.Helper()
		for {
			if msg := read(); msg.Type == typ {
				return msg
			}
		}
	}

	hello := read()
	require.Equal(t, "hello", hello.Type)
	require.NotNil(t, hello.Time)
	assert.Equal(t, 0.0, *hello.Time)

	_, err = f.state.LoadFile(f.rotPath)
	require.NoError(t, err)
	added := readUntil("layer_added")
	assert.Equal(t, "reconstruction-1", added.Layer)

	activated := readUntil("layer_activation_changed")
	require.NotNil(t, activated.Active)
	assert.True(t, *activated.Active)

	_, err = f.state.SetReconstructionTime(context.Background(), 50)
	require.NoError(t, err)
	changed := readUntil("reconstruction_time_changed")
	require.NotNil(t, changed.Time)
	assert.Equal(t, 50.0, *changed.Time)
}
