// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"sync"
)

// =============================================================================
// Connection Liveness Monitor
// =============================================================================

// LivenessMonitor unifies the disconnect signals of one streaming
// connection into a single idempotent latch.
//
// # Description
//
// At least three signals can indicate a dead client: the request
// context closing (request socket), a failed write to the response
// (response socket), and an explicit abort from the relay loop. The
// first signal wins; later signals are no-ops. The derived Context is
// the cancellation token handed to the provider, so upstream pulling
// stops within one chunk interval of any disconnect.
//
// Every write to the client transport must be guarded by Connected().
// A write that still fails (race between check and write) is reported
// back through MarkDisconnected, never propagated as a handler error.
//
// # Thread Safety
//
// Safe for concurrent use.
type LivenessMonitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	once   sync.Once
	mu     sync.RWMutex
	reason string
}

// NewLivenessMonitor derives a latch from the request context. The
// request context closing counts as the first disconnect signal.
func NewLivenessMonitor(requestCtx context.Context) *LivenessMonitor {
	ctx, cancel := context.WithCancel(requestCtx)
	return &LivenessMonitor{ctx: ctx, cancel: cancel}
}

// Connected reports whether the client is still reachable.
func (m *LivenessMonitor) Connected() bool {
	return m.ctx.Err() == nil
}

// Context returns the cancellation token derived from the latch.
// Pass it to the provider; it closes on the first disconnect signal.
func (m *LivenessMonitor) Context() context.Context {
	return m.ctx
}

// MarkDisconnected trips the latch. The first caller's reason sticks;
// subsequent calls are no-ops.
func (m *LivenessMonitor) MarkDisconnected(reason string) {
	m.once.Do(func() {
		m.mu.Lock()
		m.reason = reason
		m.mu.Unlock()
		m.cancel()
	})
}

// Reason returns why the connection was considered dead. Empty while
// still connected; "request_closed" when the request context closed
// without an explicit mark.
func (m *LivenessMonitor) Reason() string {
	m.mu.RLock()
	reason := m.reason
	m.mu.RUnlock()

	if reason == "" && m.ctx.Err() != nil {
		return "request_closed"
	}
	return reason
}

// Release cancels the derived context without recording a disconnect.
// Call when the turn is over and the token is no longer needed.
func (m *LivenessMonitor) Release() {
	m.cancel()
}
