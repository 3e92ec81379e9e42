// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/staysafer/evacsync/pkg/logging"
)

const validYAML = `
backend:
  base_url: https://api.staysafer.test
  push_url: wss://push.staysafer.test/v1/sub
session:
  dir: /tmp/evacsync-test
classifier:
  strict: true
  intervals_minutes: [5, 10, 15, 20]
lifecycle:
  drill:
    require_nonempty_list: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evacsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Classifier.Strict {
		t.Error("strict not parsed")
	}
	if !cfg.Lifecycle.Drill.RequireNonEmptyList {
		t.Error("drill guard not parsed")
	}
	// Defaults survive a partial file.
	if !cfg.Lifecycle.Alarm.RequireNonEmptyList {
		t.Error("alarm guard default lost")
	}
	if cfg.Timeout() != 15*time.Second {
		t.Errorf("timeout = %v", cfg.Timeout())
	}
	if got := cfg.Classifier.Intervals(); len(got) != 4 || got[0] != 5*time.Minute {
		t.Errorf("intervals = %v", got)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing backend", "session:\n  dir: /tmp/x\n"},
		{"bad url", "backend:\n  base_url: not-a-url\n  push_url: wss://x\nsession:\n  dir: /tmp/x\n"},
		{"descending intervals", "backend:\n  base_url: https://api.staysafer.test\n  push_url: wss://x\nsession:\n  dir: /tmp/x\nclassifier:\n  intervals_minutes: [10, 5]\n"},
		{"bad level", "backend:\n  base_url: https://api.staysafer.test\n  push_url: wss://x\nsession:\n  dir: /tmp/x\nlog:\n  level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Fatal("Load accepted invalid config")
			}
		})
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, validYAML)
	logger := logging.New(logging.Config{Quiet: true})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reloaded := make(chan Config, 1)
	go func() {
		_ = Watch(ctx, path, logger, func(cfg Config) {
			select {
			case reloaded <- cfg:
			default:
			}
		})
	}()

	// Give the watcher a moment to register, then flip strict off.
	time.Sleep(200 * time.Millisecond)
	updated := `
backend:
  base_url: https://api.staysafer.test
  push_url: wss://push.staysafer.test/v1/sub
session:
  dir: /tmp/evacsync-test
classifier:
  strict: false
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Classifier.Strict {
			t.Error("reloaded config kept strict=true")
		}
	case <-ctx.Done():
		t.Fatal("no reload observed")
	}
}
