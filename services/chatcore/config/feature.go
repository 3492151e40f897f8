// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config exposes the per-feature configuration view consumed
// by the streaming core.
//
// The view is produced by an external admin service and mounted as a
// JSON file. This core treats it as read-only: it neither defines nor
// validates the upstream schema beyond the fields it consumes
// (model id, cost, prompt template, enabled flag, access policy).
// The file is hot-reloaded on change so cost and enablement edits take
// effect without a restart.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// Access Policies
// =============================================================================

// AccessMode selects how a feature is authorized and billed.
type AccessMode string

const (
	// AccessFree requires nothing and bills nothing.
	AccessFree AccessMode = "free"

	// AccessCredits requires the balance to cover Cost.
	AccessCredits AccessMode = "credits"

	// AccessSubscription requires an active subscription; no per-turn
	// billing.
	AccessSubscription AccessMode = "subscription"

	// AccessHybrid bills credits, with SubscriberCost applied for
	// users holding an active subscription (subscriber discount).
	AccessHybrid AccessMode = "hybrid"
)

// =============================================================================
// Feature View
// =============================================================================

// Feature is the normalized configuration view for one user-facing
// feature (assistant chat, clinical-simulation chat, thesis assistant).
type Feature struct {
	// Key is the route segment identifying the feature, e.g. "assistant".
	Key string `json:"key"`

	// Provider selects the generation variant: "direct" or "search".
	Provider string `json:"provider"`

	// ModelID is the upstream model identifier passed to the provider.
	ModelID string `json:"model_id"`

	// Cost is the credit price of one turn. Ignored for free and
	// subscription access.
	Cost int64 `json:"cost"`

	// SubscriberCost is the discounted price for hybrid access when
	// the user has an active subscription. Nil means no discount.
	SubscriberCost *int64 `json:"subscriber_cost,omitempty"`

	// PromptTemplate is the system prompt for the feature. Template
	// construction happens upstream; this core passes it through.
	PromptTemplate string `json:"prompt_template"`

	// Enabled gates the feature. Disabled features reject pre-stream.
	Enabled bool `json:"enabled"`
}

// EffectiveCost returns the per-turn cost for the given subscription
// state under this feature's access mode.
func (f Feature) EffectiveCost(mode AccessMode, subscriber bool) int64 {
	switch mode {
	case AccessFree, AccessSubscription:
		return 0
	case AccessHybrid:
		if subscriber && f.SubscriberCost != nil {
			return *f.SubscriberCost
		}
		return f.Cost
	default:
		return f.Cost
	}
}

// featureFile is the on-disk document shape.
type featureFile struct {
	Features map[string]featureEntry `json:"features"`
}

type featureEntry struct {
	Feature
	Access AccessMode `json:"access"`
}

// =============================================================================
// Registry
// =============================================================================

// Registry holds the feature views and reloads them on file change.
//
// # Thread Safety
//
// Safe for concurrent use; lookups take a read lock, reloads a write
// lock. A failed reload keeps the last good snapshot.
type Registry struct {
	mu       sync.RWMutex
	path     string
	features map[string]featureEntry

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Load reads the feature view file and returns a Registry.
//
// # Inputs
//
//   - path: JSON file produced by the admin service.
//
// # Outputs
//
//   - *Registry: Registry with the parsed snapshot. Watching is not
//     started; call Watch() for hot reload.
//   - error: Non-nil if the file cannot be read or parsed.
func Load(path string) (*Registry, error) {
	r := &Registry{
		path: path,
		done: make(chan struct{}),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the view for a feature key along with its access mode.
func (r *Registry) Get(key string) (Feature, AccessMode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.features[key]
	if !ok {
		return Feature{}, "", false
	}
	f := e.Feature
	f.Key = key
	return f, e.Access, true
}

// Keys returns the configured feature keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.features))
	for k := range r.features {
		keys = append(keys, k)
	}
	return keys
}

// Watch starts hot reload of the view file.
//
// # Description
//
// Watches the file's directory (editors and config mounts replace the
// file rather than writing in place, which drops a watch on the file
// itself) and reloads on create/write events for the watched path.
// A failed reload logs and keeps the previous snapshot.
//
// # Outputs
//
//   - error: Non-nil if the watcher cannot be created.
func (r *Registry) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	r.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := r.reload(); err != nil {
					slog.Warn("feature config reload failed, keeping previous snapshot",
						"path", r.path,
						"error", err,
					)
					continue
				}
				slog.Info("feature config reloaded", "path", r.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("feature config watcher error", "error", err)
			case <-r.done:
				return
			}
		}
	}()

	return nil
}

// Close stops the watcher, if started.
func (r *Registry) Close() error {
	close(r.done)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// reload parses the file and swaps the snapshot.
func (r *Registry) reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read feature config %s: %w", r.path, err)
	}

	var doc featureFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse feature config %s: %w", r.path, err)
	}
	if len(doc.Features) == 0 {
		return fmt.Errorf("feature config %s defines no features", r.path)
	}
	for key, e := range doc.Features {
		switch e.Access {
		case AccessFree, AccessCredits, AccessSubscription, AccessHybrid:
		default:
			return fmt.Errorf("feature %q has unknown access mode %q", key, e.Access)
		}
	}

	r.mu.Lock()
	r.features = doc.Features
	r.mu.Unlock()
	return nil
}
