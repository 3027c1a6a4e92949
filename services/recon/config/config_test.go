// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/s1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/platerecon/services/recon/model"
	"github.com/AleutianAI/platerecon/services/recon/resolve"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 64, cfg.Reconstruction.MaxTreesInCache)
	assert.Equal(t, 200*time.Millisecond, cfg.Watch.Debounce)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platerecon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
  format: json
reconstruction:
  time: 100
  anchor_plate_id: 701
  max_trees_in_cache: 8
watch:
  debounce: 50ms
coregistration:
  - {name: near_count, radius_degrees: 5, operation: count}
  - {name: nearest, radius_degrees: 10, operation: min_distance}
`), 0o644))
	t.Setenv("PLATERECON_TIME", "120.5")
	t.Setenv("PLATERECON_SERVER_ADDR", "0.0.0.0:9000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 120.5, cfg.Reconstruction.Time, "environment beats file")
	assert.Equal(t, model.PlateID(701), cfg.AnchorPlateID())
	assert.Equal(t, 8, cfg.Reconstruction.MaxTreesInCache)
	assert.Equal(t, 50*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, 100, cfg.Server.Burst, "unset fields keep defaults")

	table := cfg.CoRegistrationTable()
	require.Len(t, table, 2)
	assert.Equal(t, resolve.OperationMinDistance, table[1].Operation)
	assert.InDelta(t, (5 * s1.Degree).Radians(), table[0].Radius.Radians(), 1e-12)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "bad level", yaml: "log: {level: loud}\n"},
		{name: "zero cache", yaml: "reconstruction: {max_trees_in_cache: 0}\n"},
		{name: "negative time", yaml: "reconstruction: {time: -1}\n"},
		{name: "bad operation", yaml: "coregistration: [{name: a, radius_degrees: 1, operation: mean}]\n"},
		{name: "duplicate row", yaml: "coregistration: [{name: a, radius_degrees: 1, operation: count}, {name: a, radius_degrees: 2, operation: count}]\n"},
		{name: "bad exporter", yaml: "telemetry: {service_name: x, trace_exporter: zipkin, metric_exporter: none}\n"},
		{name: "infinite time", env: map[string]string{"PLATERECON_TIME": "Inf"}},
		{name: "NaN time", env: map[string]string{"PLATERECON_TIME": "NaN"}},
		{name: "bad env", env: map[string]string{"PLATERECON_ANCHOR_PLATE_ID": "-3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(t.TempDir(), "c.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			_, err := Load(path)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad_UnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("colour: red\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestWrite_LoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "platerecon.yaml")
	cfg := Default()
	cfg.Reconstruction.Time = 42
	require.NoError(t, Write(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42.0, loaded.Reconstruction.Time)
	assert.Equal(t, cfg.Watch.Debounce, loaded.Watch.Debounce)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Log = LogConfig{Level: "warn", Format: "json"}
	logger := cfg.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
