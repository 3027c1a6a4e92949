// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the platerecon YAML configuration.
//
// Values come from, in increasing precedence: Default, the YAML file, and
// PLATERECON_* environment variables. The result is validated with
// go-playground/validator struct tags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang/geo/s1"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/platerecon/services/recon/model"
	"github.com/AleutianAI/platerecon/services/recon/resolve"
	"github.com/AleutianAI/platerecon/services/recon/telemetry"
)

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

// Config is the full platerecon configuration.
type Config struct {
	Log            LogConfig            `yaml:"log"`
	Reconstruction ReconstructionConfig `yaml:"reconstruction"`
	Server         ServerConfig         `yaml:"server"`
	Storage        StorageConfig        `yaml:"storage"`
	Watch          WatchConfig          `yaml:"watch"`
	Telemetry      telemetry.Config     `yaml:"telemetry"`

	// CoRegistration is the default configuration table given to new
	// co-registration layers.
	CoRegistration []CoRegistrationRow `yaml:"coregistration" validate:"dive"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// ReconstructionConfig holds the initial reconstruction parameters.
type ReconstructionConfig struct {
	// Time is the initial reconstruction time in Ma.
	Time float64 `yaml:"time" validate:"gte=0"`

	// AnchorPlateID is the initial anchor plate.
	AnchorPlateID uint32 `yaml:"anchor_plate_id"`

	// MaxTreesInCache bounds each reconstruction layer's tree cache.
	MaxTreesInCache int `yaml:"max_trees_in_cache" validate:"gte=1,lte=4096"`
}

// ServerConfig configures the inspection API.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// RequestsPerSecond and Burst configure the token bucket shared by all
	// API clients.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gt=0"`
	Burst             int     `yaml:"burst" validate:"gte=1"`
}

// StorageConfig locates the snapshot store.
type StorageConfig struct {
	// Path is the BadgerDB directory. Ignored when InMemory is set.
	Path     string `yaml:"path" validate:"required_without=InMemory"`
	InMemory bool   `yaml:"in_memory"`
}

// WatchConfig tunes the file watcher.
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`
}

// CoRegistrationRow is one row of a co-registration configuration table.
type CoRegistrationRow struct {
	Name          string  `yaml:"name" validate:"required"`
	RadiusDegrees float64 `yaml:"radius_degrees" validate:"gt=0,lte=180"`
	Operation     string  `yaml:"operation" validate:"oneof=count min_distance presence"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Reconstruction: ReconstructionConfig{
			MaxTreesInCache: 64,
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8089",
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Storage: StorageConfig{
			Path: defaultStoragePath(),
		},
		Watch:     WatchConfig{Debounce: 200 * time.Millisecond},
		Telemetry: telemetry.DefaultConfig(),
	}
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "platerecon", "snapshots")
	}
	return filepath.Join(home, ".platerecon", "snapshots")
}

// Load reads path over Default, applies environment overrides, and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Write stores cfg at path, creating the directory.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the struct tags and the cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if t := c.Reconstruction.Time; math.IsNaN(t) || math.IsInf(t, 0) {
		return fmt.Errorf("%w: reconstruction time must be finite, got %g", ErrInvalidConfig, t)
	}
	seen := make(map[string]bool, len(c.CoRegistration))
	for _, row := range c.CoRegistration {
		if seen[row.Name] {
			return fmt.Errorf("%w: duplicate co-registration row %q", ErrInvalidConfig, row.Name)
		}
		seen[row.Name] = true
	}
	return nil
}

// applyEnv overrides fields from PLATERECON_* variables.
func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("PLATERECON_LOG_LEVEL", &c.Log.Level)
	str("PLATERECON_LOG_FORMAT", &c.Log.Format)
	str("PLATERECON_SERVER_ADDR", &c.Server.Addr)
	str("PLATERECON_STORAGE_PATH", &c.Storage.Path)

	if v := getenv("PLATERECON_TIME"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: PLATERECON_TIME: %v", ErrInvalidConfig, err)
		}
		c.Reconstruction.Time = t
	}
	if v := getenv("PLATERECON_ANCHOR_PLATE_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: PLATERECON_ANCHOR_PLATE_ID: %v", ErrInvalidConfig, err)
		}
		c.Reconstruction.AnchorPlateID = uint32(id)
	}
	if v := getenv("PLATERECON_MAX_TREES_IN_CACHE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: PLATERECON_MAX_TREES_IN_CACHE: %v", ErrInvalidConfig, err)
		}
		c.Reconstruction.MaxTreesInCache = n
	}
	return nil
}

// AnchorPlateID returns the configured anchor as a plate id.
func (c *Config) AnchorPlateID() model.PlateID {
	return model.PlateID(c.Reconstruction.AnchorPlateID)
}

// CoRegistrationTable converts the configured rows. Validate has already
// checked every operation name.
func (c *Config) CoRegistrationTable() []resolve.ConfigRow {
	rows := make([]resolve.ConfigRow, 0, len(c.CoRegistration))
	for _, r := range c.CoRegistration {
		op, _ := resolve.ParseOperation(r.Operation)
		rows = append(rows, resolve.ConfigRow{
			Name:      r.Name,
			Radius:    s1.Angle(r.RadiusDegrees) * s1.Degree,
			Operation: op,
		})
	}
	return rows
}

// NewLogger builds the slog logger described by the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.Log.Level)}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
