// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

// Package config loads gravity's YAML configuration file into the keys
// named by spec.md sec 6, following cuemby-warren's convention of loading
// a struct that is then handed piecewise to each component's functional
// options rather than threading a monolithic config object everywhere.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors spec.md sec 6's config key table.
type Config struct {
	ServiceDirectoryURL           string        `yaml:"service_directory_url"`
	Domain                        string        `yaml:"domain"`
	ServiceDirectoryBroadcastPort int           `yaml:"service_directory_broadcast_port"`
	ServiceDirectoryBroadcastRate time.Duration `yaml:"service_directory_broadcast_rate"`
	BroadcastEnabled              bool          `yaml:"broadcast_enabled"`
	DomainSyncList                []string      `yaml:"domain_sync_list"`
}

// Defaults returns the spec-mandated defaults (spec.md sec 6): directory
// URL tcp://*:5555, UDP broadcast port 5557 at a 5s rate.
func Defaults() Config {
	return Config{
		ServiceDirectoryURL:           "tcp://*:5555",
		Domain:                        "default",
		ServiceDirectoryBroadcastPort: 5557,
		ServiceDirectoryBroadcastRate: 5 * time.Second,
		BroadcastEnabled:              true,
	}
}

// Load reads a YAML document from path and overlays it onto Defaults().
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}
