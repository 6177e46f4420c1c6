// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gravity.yaml")

	doc := []byte(`
domain: east
service_directory_url: "tcp://10.0.0.5:5555"
domain_sync_list:
  - west
  - north
`)
	require.NoError(t, os.WriteFile(path, doc, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "east", cfg.Domain)
	assert.Equal(t, "tcp://10.0.0.5:5555", cfg.ServiceDirectoryURL)
	assert.Equal(t, []string{"west", "north"}, cfg.DomainSyncList)
	// Untouched keys keep their defaults.
	assert.Equal(t, 5557, cfg.ServiceDirectoryBroadcastPort)
	assert.Equal(t, 5*time.Second, cfg.ServiceDirectoryBroadcastRate)
	assert.True(t, cfg.BroadcastEnabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/gravity.yaml")
	assert.Error(t, err)
}

