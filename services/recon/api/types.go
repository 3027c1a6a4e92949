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
	"time"

	"github.com/google/uuid"
)

// ServiceVersion is the API version reported by /health.
const ServiceVersion = "0.1.0"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// FileRequest names a feature collection file.
type FileRequest struct {
	Path string `json:"path" binding:"required"`
}

// FileResponse describes a loaded file and the layers created for it.
type FileResponse struct {
	Path   string   `json:"path"`
	Layers []string `json:"layers"`
}

// ChannelInputs lists what feeds one input channel of a layer.
type ChannelInputs struct {
	Channel string   `json:"channel"`
	Sources []string `json:"sources"`
}

// LayerResponse describes one layer of the graph.
type LayerResponse struct {
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Active bool            `json:"active"`
	Inputs []ChannelInputs `json:"inputs"`
}

// ActivateRequest is the body of PUT /v1/layers/:name/active.
type ActivateRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// TimeRequest is the body of PUT /v1/reconstruction/time.
type TimeRequest struct {
	Time *float64 `json:"time" binding:"required,gte=0"`
}

// AnchorRequest is the body of PUT /v1/reconstruction/anchor.
type AnchorRequest struct {
	Anchor *uint32 `json:"anchor" binding:"required"`
}

// ChangeResponse reports whether a time or anchor update changed anything.
type ChangeResponse struct {
	Changed bool    `json:"changed"`
	Time    float64 `json:"time"`
	Anchor  uint32  `json:"anchor"`
}

// CacheSummary is the tree cache state of a reconstruction layer.
type CacheSummary struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	Evictions  int64   `json:"evictions"`
	HitRate    float64 `json:"hit_rate"`
}

// OutputSummary describes the output of one layer in a reconstruction.
type OutputSummary struct {
	Layer string        `json:"layer"`
	Kind  string        `json:"kind"`
	Items int           `json:"items"`
	Cache *CacheSummary `json:"cache,omitempty"`
}

// ReconstructionResponse summarises the latest reconstruction.
type ReconstructionResponse struct {
	Time             float64         `json:"time"`
	Anchor           uint32          `json:"anchor"`
	DefaultTreeLayer string          `json:"default_tree_layer,omitempty"`
	Outputs          []OutputSummary `json:"outputs"`
}

// SnapshotRequest is the body of POST /v1/snapshots.
type SnapshotRequest struct {
	Label string `json:"label" binding:"required,max=200"`
}

// SnapshotResponse describes a stored tree snapshot.
type SnapshotResponse struct {
	ID        uuid.UUID `json:"id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
	Time      float64   `json:"time"`
	Anchor    uint32    `json:"anchor"`
	Plates    int       `json:"plates"`
}

// DiffResponse lists the plates whose rotation changed since a snapshot.
type DiffResponse struct {
	ID      uuid.UUID `json:"id"`
	Changed []uint32  `json:"changed"`
}

// EventMessage is one message on the /v1/events stream.
type EventMessage struct {
	Type    string   `json:"type"`
	Layer   string   `json:"layer,omitempty"`
	Channel string   `json:"channel,omitempty"`
	File    string   `json:"file,omitempty"`
	Active  *bool    `json:"active,omitempty"`
	Time    *float64 `json:"time,omitempty"`
	Anchor  *uint32  `json:"anchor,omitempty"`
}
