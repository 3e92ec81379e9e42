// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the evacsync configuration file
// and supports hot reload of the policy knobs (classifier strictness,
// histogram intervals, lifecycle guard flags).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// BackendConfig locates the authoritative backend and push channel.
type BackendConfig struct {
	// BaseURL is the REST base URL, e.g. "https://api.staysafer.app".
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// PushURL is the websocket push endpoint, e.g. "wss://push.staysafer.app/v1/sub".
	PushURL string `yaml:"push_url" validate:"required"`

	// TimeoutSeconds is the per-request timeout. Zero means the client
	// default.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"gte=0,lte=300"`
}

// SessionConfig controls local durable session storage.
type SessionConfig struct {
	// Dir is the BadgerDB directory for the persisted session.
	Dir string `yaml:"dir" validate:"required"`
}

// LogConfig mirrors pkg/logging.Config.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// ClassifierConfig controls check-in classification policy.
type ClassifierConfig struct {
	// Strict requires two independent methods for company members
	// ("staysafer mode").
	Strict bool `yaml:"strict"`

	// IntervalsMinutes are the cumulative histogram bucket bounds,
	// ascending. Empty means 5/10/15/20.
	IntervalsMinutes []int `yaml:"intervals_minutes" validate:"omitempty,min=1,dive,gt=0"`
}

// Intervals returns the configured histogram intervals as durations.
func (c ClassifierConfig) Intervals() []time.Duration {
	out := make([]time.Duration, len(c.IntervalsMinutes))
	for i, m := range c.IntervalsMinutes {
		out[i] = time.Duration(m) * time.Minute
	}
	return out
}

// ModeGuard configures the start guards of one evacuation mode.
type ModeGuard struct {
	// RequireNonEmptyList makes starting with an empty evacuation list a
	// hard rejection rather than a warning.
	RequireNonEmptyList bool `yaml:"require_nonempty_list"`
}

// LifecycleConfig configures start/end guard behavior per mode.
type LifecycleConfig struct {
	Alarm ModeGuard `yaml:"alarm"`
	Drill ModeGuard `yaml:"drill"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	// ListenAddr exposes /metrics when non-empty, e.g. "127.0.0.1:9464".
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the root configuration document.
type Config struct {
	Backend    BackendConfig    `yaml:"backend" validate:"required"`
	Session    SessionConfig    `yaml:"session" validate:"required"`
	Log        LogConfig        `yaml:"log"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// Default returns the configuration defaults applied before the file is
// merged in. Alarm emptiness is fatal by default; a drill with an empty
// list only warns.
func Default() Config {
	return Config{
		Backend: BackendConfig{TimeoutSeconds: 15},
		Session: SessionConfig{Dir: "~/.evacsync/session"},
		Log:     LogConfig{Level: "info"},
		Classifier: ClassifierConfig{
			IntervalsMinutes: []int{5, 10, 15, 20},
		},
		Lifecycle: LifecycleConfig{
			Alarm: ModeGuard{RequireNonEmptyList: true},
			Drill: ModeGuard{RequireNonEmptyList: false},
		},
	}
}

// Load reads, merges, and validates the configuration file.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags plus the
// cross-field rules yaml tags cannot express.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for i := 1; i < len(c.Classifier.IntervalsMinutes); i++ {
		if c.Classifier.IntervalsMinutes[i] <= c.Classifier.IntervalsMinutes[i-1] {
			return fmt.Errorf("invalid config: classifier intervals must be strictly ascending")
		}
	}
	return nil
}

// Timeout returns the backend request timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}
