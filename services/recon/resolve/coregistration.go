// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolve

import (
	"math"

	"github.com/AleutianAI/platerecon/services/recon/maths"
	"github.com/golang/geo/s1"
)

// Operation is how target features within a region of interest are reduced
// to a single value per seed.
type Operation int

const (
	// OperationCount counts targets within the radius.
	OperationCount Operation = iota

	// OperationMinDistance reports the distance in degrees to the nearest
	// target within the radius, or NaN when there is none.
	OperationMinDistance

	// OperationPresence reports 1 when any target is within the radius.
	OperationPresence
)

var operationNames = map[Operation]string{
	OperationCount:       "count",
	OperationMinDistance: "min_distance",
	OperationPresence:    "presence",
}

// String returns the configuration name of the operation.
func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return "unknown"
}

// ParseOperation is the inverse of Operation.String.
func ParseOperation(s string) (Operation, bool) {
	for op, name := range operationNames {
		if name == s {
			return op, true
		}
	}
	return 0, false
}

// ConfigRow is one column of the co-registration output.
type ConfigRow struct {
	Name      string
	Radius    s1.Angle
	Operation Operation
}

// CoRegistrationResult holds one value per config row for a seed feature.
type CoRegistrationResult struct {
	SeedFeatureID string
	Values        []float64
}

// CoRegistrationData is the output of a co-registration at one time.
type CoRegistrationData struct {
	Time    float64
	Config  []ConfigRow
	Results []CoRegistrationResult
}

// CoRegister evaluates every config row for every seed against the
// targets. Distances are vertex to vertex great-circle distances.
func CoRegister(time float64, config []ConfigRow, seeds, targets []*ReconstructedFeatureGeometry) *CoRegistrationData {
	data := &CoRegistrationData{
		Time:    time,
		Config:  append([]ConfigRow(nil), config...),
		Results: make([]CoRegistrationResult, 0, len(seeds)),
	}

	for _, seed := range seeds {
		distances := make([]s1.Angle, len(targets))
		for i, target := range targets {
			distances[i] = maths.MinDistance(seed.Geometry.Points, target.Geometry.Points)
		}

		values := make([]float64, len(config))
		for i, row := range config {
			values[i] = reduce(row, distances)
		}
		data.Results = append(data.Results, CoRegistrationResult{
			SeedFeatureID: seed.FeatureID(),
			Values:        values,
		})
	}
	return data
}

func reduce(row ConfigRow, distances []s1.Angle) float64 {
	var (
		count   int
		nearest = s1.InfAngle()
	)
	for _, d := range distances {
		if d > row.Radius {
			continue
		}
		count++
		if d < nearest {
			nearest = d
		}
	}

	switch row.Operation {
	case OperationCount:
		return float64(count)
	case OperationMinDistance:
		if count == 0 {
			return math.NaN()
		}
		return nearest.Degrees()
	case OperationPresence:
		if count > 0 {
			return 1
		}
		return 0
	default:
		return math.NaN()
	}
}
