// Copyright 2026, Streamstitch. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig([]string{"stitchd"})
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "HS256", cfg.JWTAlgorithm)
	assert.Equal(t, 90000, cfg.BreakWindowMS)
	assert.Equal(t, 2, cfg.WindowBucketSecs)
}

func TestLoadConfigFlags(t *testing.T) {
	cfg, err := LoadConfig([]string{"stitchd",
		"--port", "9091",
		"--redisaddr", "localhost:6379",
		"--channeldb", "/var/lib/stitchd/channels.db",
	})
	require.NoError(t, err)
	assert.Equal(t, 9091, cfg.Port)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "/var/lib/stitchd/channels.db", cfg.ChannelDB)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("DECISION_URL", "https://ads.example.com")
	t.Setenv("STITCHD_PORT", "9999")
	cfg, err := LoadConfig([]string{"stitchd", "--port", "9091"})
	require.NoError(t, err)
	assert.Equal(t, "https://ads.example.com", cfg.DecisionURL)
	assert.Equal(t, 9999, cfg.Port, "environment wins over the command line")
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"port": 7070, "beaconurl": "https://beacons.example.com"}`), 0o644))

	cfg, err := LoadConfig([]string{"stitchd", "--cfg", path})
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "https://beacons.example.com", cfg.BeaconURL)
}

func TestLoadConfigBadFile(t *testing.T) {
	_, err := LoadConfig([]string{"stitchd", "--cfg", "/does/not/exist.json"})
	assert.Error(t, err)
}
