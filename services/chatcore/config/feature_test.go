// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Fixtures
// =============================================================================

const testView = `{
  "features": {
    "assistant": {
      "provider": "direct",
      "model_id": "medpalm-chat",
      "prompt_template": "You are a helpful assistant.",
      "enabled": true,
      "access": "free"
    },
    "clinical-sim": {
      "provider": "direct",
      "model_id": "medpalm-chat",
      "cost": 5,
      "subscriber_cost": 2,
      "enabled": true,
      "access": "hybrid"
    },
    "thesis": {
      "provider": "search",
      "model_id": "medpalm-thesis",
      "cost": 3,
      "enabled": false,
      "access": "credits"
    }
  }
}`

func writeView(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "features.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// =============================================================================
// Load Tests
// =============================================================================

func TestLoad_ValidView(t *testing.T) {
	registry, err := Load(writeView(t, testView))
	require.NoError(t, err)
	defer registry.Close()

	assert.ElementsMatch(t,
		[]string{"assistant", "clinical-sim", "thesis"},
		registry.Keys())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read feature config")
}

func TestLoad_MalformedJSON(t *testing.T) {
	_, err := Load(writeView(t, `{"features": {`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse feature config")
}

func TestLoad_EmptyView(t *testing.T) {
	_, err := Load(writeView(t, `{"features": {}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defines no features")
}

func TestLoad_UnknownAccessMode(t *testing.T) {
	view := `{"features": {"x": {"provider": "direct", "enabled": true, "access": "vip"}}}`
	_, err := Load(writeView(t, view))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown access mode "vip"`)
}

// =============================================================================
// Get Tests
// =============================================================================

func TestGet_KnownFeature(t *testing.T) {
	registry, err := Load(writeView(t, testView))
	require.NoError(t, err)
	defer registry.Close()

	f, mode, ok := registry.Get("clinical-sim")
	require.True(t, ok)
	assert.Equal(t, "clinical-sim", f.Key, "key should be filled from lookup")
	assert.Equal(t, "direct", f.Provider)
	assert.Equal(t, int64(5), f.Cost)
	require.NotNil(t, f.SubscriberCost)
	assert.Equal(t, int64(2), *f.SubscriberCost)
	assert.Equal(t, AccessHybrid, mode)
}

func TestGet_DisabledFeatureStillVisible(t *testing.T) {
	// Enablement is enforced at authorization, not lookup.
	registry, err := Load(writeView(t, testView))
	require.NoError(t, err)
	defer registry.Close()

	f, mode, ok := registry.Get("thesis")
	require.True(t, ok)
	assert.False(t, f.Enabled)
	assert.Equal(t, AccessCredits, mode)
}

func TestGet_UnknownFeature(t *testing.T) {
	registry, err := Load(writeView(t, testView))
	require.NoError(t, err)
	defer registry.Close()

	_, _, ok := registry.Get("ghost")
	assert.False(t, ok)
}

// =============================================================================
// EffectiveCost Tests
// =============================================================================

func TestEffectiveCost(t *testing.T) {
	discount := int64(2)
	f := Feature{Cost: 5, SubscriberCost: &discount}
	noDiscount := Feature{Cost: 5}

	tests := []struct {
		name       string
		feature    Feature
		mode       AccessMode
		subscriber bool
		want       int64
	}{
		{"free is always zero", f, AccessFree, false, 0},
		{"subscription bills nothing per turn", f, AccessSubscription, true, 0},
		{"credits bills full cost", f, AccessCredits, false, 5},
		{"credits ignores subscription", f, AccessCredits, true, 5},
		{"hybrid non-subscriber pays full", f, AccessHybrid, false, 5},
		{"hybrid subscriber pays discount", f, AccessHybrid, true, 2},
		{"hybrid without discount pays full", noDiscount, AccessHybrid, true, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.feature.EffectiveCost(tt.mode, tt.subscriber)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Hot Reload Tests
// =============================================================================

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeView(t, testView)
	registry, err := Load(path)
	require.NoError(t, err)
	defer registry.Close()
	require.NoError(t, registry.Watch())

	updated := `{
  "features": {
    "assistant": {
      "provider": "direct",
      "model_id": "medpalm-chat-v2",
      "cost": 1,
      "enabled": true,
      "access": "credits"
    }
  }
}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	assert.Eventually(t, func() bool {
		f, mode, ok := registry.Get("assistant")
		return ok && f.ModelID == "medpalm-chat-v2" && mode == AccessCredits
	}, 5*time.Second, 20*time.Millisecond, "updated view should be visible")

	assert.Eventually(t, func() bool {
		_, _, ok := registry.Get("thesis")
		return !ok
	}, 5*time.Second, 20*time.Millisecond, "removed feature should disappear")
}

func TestWatch_KeepsSnapshotOnBadReload(t *testing.T) {
	path := writeView(t, testView)
	registry, err := Load(path)
	require.NoError(t, err)
	defer registry.Close()
	require.NoError(t, registry.Watch())

	require.NoError(t, os.WriteFile(path, []byte(`{"features"`), 0o600))

	// Give the watcher time to see the bad write, then verify the
	// previous snapshot still answers.
	time.Sleep(200 * time.Millisecond)
	f, mode, ok := registry.Get("assistant")
	require.True(t, ok, "last good snapshot should survive a bad reload")
	assert.Equal(t, "medpalm-chat", f.ModelID)
	assert.Equal(t, AccessFree, mode)
}

func TestWatch_IgnoresSiblingFiles(t *testing.T) {
	path := writeView(t, testView)
	registry, err := Load(path)
	require.NoError(t, err)
	defer registry.Close()
	require.NoError(t, registry.Watch())

	sibling := filepath.Join(filepath.Dir(path), "other.json")
	require.NoError(t, os.WriteFile(sibling, []byte(`not even json`), 0o600))

	time.Sleep(200 * time.Millisecond)
	_, _, ok := registry.Get("assistant")
	assert.True(t, ok)
}
