// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fileio reads and writes feature collections and watches loaded
// files for changes on disk.
//
// The on-disk format is a small YAML document:
//
//	name: global-rotations
//	features:
//	  - id: seq-801-000
//	    type: TotalReconstructionSequence
//	    fixed_plate: 0
//	    moving_plate: 801
//	    poles:
//	      - {time: 0,   lat: 0,  lon: 0,  angle: 0}
//	      - {time: 100, lat: 10, lon: 40, angle: -30}
//	  - id: coast-1
//	    type: Coastline
//	    plate_id: 801
//	    valid_time: {begin: 600, end: 0}
//	    geometry: {kind: polyline, points: [[-30, 130], [-25, 135]]}
//
// Points are [lat, lon] in degrees. Pole angles are degrees.
package fileio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/platerecon/services/recon/maths"
	"github.com/AleutianAI/platerecon/services/recon/model"
)

// ErrInvalidFeatureCollection is returned for documents that parse but do
// not describe a usable feature collection.
var ErrInvalidFeatureCollection = errors.New("invalid feature collection")

var validate = validator.New()

type collectionDoc struct {
	Name     string       `yaml:"name,omitempty"`
	Features []featureDoc `yaml:"features" validate:"dive"`
}

type featureDoc struct {
	ID          string         `yaml:"id" validate:"required"`
	Type        string         `yaml:"type" validate:"required"`
	Name        string         `yaml:"name,omitempty"`
	PlateID     uint32         `yaml:"plate_id,omitempty"`
	ValidTime   *timePeriodDoc `yaml:"valid_time,omitempty"`
	Geometry    *geometryDoc   `yaml:"geometry,omitempty" validate:"omitempty"`
	FixedPlate  uint32         `yaml:"fixed_plate,omitempty"`
	MovingPlate uint32         `yaml:"moving_plate,omitempty"`
	Poles       []poleDoc      `yaml:"poles,omitempty" validate:"required_if=Type TotalReconstructionSequence,dive"`
	Sections    []string       `yaml:"sections,omitempty" validate:"dive,required"`
	Interiors   []string       `yaml:"interiors,omitempty" validate:"dive,required"`
}

type timePeriodDoc struct {
	Begin float64 `yaml:"begin"`
	End   float64 `yaml:"end" validate:"ltefield=Begin"`
}

type poleDoc struct {
	Time  float64 `yaml:"time" validate:"gte=0"`
	Lat   float64 `yaml:"lat" validate:"gte=-90,lte=90"`
	Lon   float64 `yaml:"lon" validate:"gte=-360,lte=360"`
	Angle float64 `yaml:"angle"`
}

type geometryDoc struct {
	Kind   string       `yaml:"kind" validate:"required,oneof=point multipoint polyline polygon"`
	Points [][2]float64 `yaml:"points,flow" validate:"required,min=1"`
}

// ReadFeatureCollection decodes one document from r. When the document has
// no name, fallbackName is used.
func ReadFeatureCollection(r io.Reader, fallbackName string) (*model.FeatureCollection, error) {
	var doc collectionDoc
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return model.NewFeatureCollection(fallbackName), nil
		}
		return nil, fmt.Errorf("decode feature collection: %w", err)
	}
	if err := validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeatureCollection, err)
	}

	name := doc.Name
	if name == "" {
		name = fallbackName
	}
	fc := model.NewFeatureCollection(name)
	seen := make(map[string]bool, len(doc.Features))
	for i := range doc.Features {
		f, err := doc.Features[i].toFeature()
		if err != nil {
			return nil, fmt.Errorf("%w: feature %q: %v", ErrInvalidFeatureCollection, doc.Features[i].ID, err)
		}
		if seen[f.ID] {
			return nil, fmt.Errorf("%w: duplicate feature id %q", ErrInvalidFeatureCollection, f.ID)
		}
		seen[f.ID] = true
		fc.Features = append(fc.Features, f)
	}
	return fc, nil
}

// ReadFile reads the feature collection stored at path. The collection is
// named after the file when the document carries no name.
func ReadFile(path string) (*model.FeatureCollection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	fc, err := ReadFeatureCollection(bytes.NewReader(data), collectionName(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fc, nil
}

// LoadFile reads path into a new model.File.
func LoadFile(path string) (*model.File, error) {
	fc, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return model.NewFile(path, fc), nil
}

// WriteFeatureCollection encodes fc to w.
func WriteFeatureCollection(w io.Writer, fc *model.FeatureCollection) error {
	doc := collectionDoc{Name: fc.Name, Features: make([]featureDoc, 0, len(fc.Features))}
	for _, f := range fc.Features {
		doc.Features = append(doc.Features, fromFeature(f))
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encode feature collection: %w", err)
	}
	return enc.Close()
}

// WriteFile writes fc to path, creating parent directories.
func WriteFile(path string, fc *model.FeatureCollection) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	var buf bytes.Buffer
	if err := WriteFeatureCollection(&buf, fc); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func collectionName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (d *featureDoc) toFeature() (*model.Feature, error) {
	f := &model.Feature{
		ID:          d.ID,
		Type:        model.FeatureType(d.Type),
		Name:        d.Name,
		PlateID:     model.PlateID(d.PlateID),
		FixedPlate:  model.PlateID(d.FixedPlate),
		MovingPlate: model.PlateID(d.MovingPlate),
		Sections:    d.Sections,
		Interiors:   d.Interiors,
	}
	if d.ValidTime != nil {
		f.ValidTime = model.TimePeriod{Begin: d.ValidTime.Begin, End: d.ValidTime.End}
	}

	if d.Geometry != nil {
		kind, _ := model.ParseGeometryKind(d.Geometry.Kind)
		if kind == model.GeometryPoint && len(d.Geometry.Points) != 1 {
			return nil, fmt.Errorf("point geometry has %d points", len(d.Geometry.Points))
		}
		g := &model.Geometry{Kind: kind}
		for _, ll := range d.Geometry.Points {
			if math.Abs(ll[0]) > 90 {
				return nil, fmt.Errorf("latitude %g out of range", ll[0])
			}
			g.Points = append(g.Points, maths.PointFromLatLon(ll[0], ll[1]))
		}
		f.Geometry = g
	}

	for _, p := range d.Poles {
		f.Poles = append(f.Poles, model.PoleSample{
			Time:     p.Time,
			Rotation: maths.FromPoleDegrees(p.Lat, p.Lon, p.Angle),
		})
	}

	if f.IsTopological() && len(f.Sections) == 0 {
		return nil, errors.New("topological feature has no sections")
	}
	return f, nil
}

func fromFeature(f *model.Feature) featureDoc {
	d := featureDoc{
		ID:          f.ID,
		Type:        string(f.Type),
		Name:        f.Name,
		PlateID:     uint32(f.PlateID),
		FixedPlate:  uint32(f.FixedPlate),
		MovingPlate: uint32(f.MovingPlate),
		Sections:    f.Sections,
		Interiors:   f.Interiors,
	}
	if f.ValidTime != (model.TimePeriod{}) {
		d.ValidTime = &timePeriodDoc{Begin: f.ValidTime.Begin, End: f.ValidTime.End}
	}
	if f.Geometry != nil {
		g := &geometryDoc{Kind: f.Geometry.Kind.String()}
		for _, p := range f.Geometry.Points {
			lat, lon := maths.LatLon(p)
			g.Points = append(g.Points, [2]float64{lat, lon})
		}
		d.Geometry = g
	}
	for _, s := range f.Poles {
		pole, angle := s.Rotation.EulerPole()
		lat, lon := maths.LatLon(pole)
		d.Poles = append(d.Poles, poleDoc{Time: s.Time, Lat: lat, Lon: lon, Angle: angle.Degrees()})
	}
	return d
}
