// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing Server-Sent Events to HTTP
// responses.
//
// # Description
//
// SSEWriter abstracts SSE event serialization and writing, enabling
// testability and separation from HTTP response mechanics. Events are
// written as data-only frames (data: json\n\n) with the event type
// carried inside the JSON payload, so clients consume a single
// onmessage stream and switch on the type field.
//
// Each event is automatically assigned:
//   - ID: UUID v4 for ordering and deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The streaming
// handler emits events from the relay loop and keepalives from a
// separate goroutine.
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders before first write
type SSEWriter interface {
	// WriteEvent writes a single SSE event. Populates ID and
	// CreatedAt, serializes to JSON, writes, and flushes immediately.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStarted writes the started event carrying both placeholder
	// row identifiers. Always the first event on the connection.
	WriteStarted(userMessageID, assistantMessageID string) error

	// WriteChunk writes one relayed text chunk.
	WriteChunk(content string) error

	// WriteCitation writes a single citation event as it arrives from
	// a search-augmented provider.
	WriteCitation(source datatypes.Source) error

	// WriteDone writes the terminal done event with the full
	// accumulated text and the deduped citations.
	WriteDone(content string, sources []datatypes.Source) error

	// WriteError writes the terminal error event.
	//
	// # Limitations
	//
	//   - Error message should be sanitized (no internal details)
	WriteError(errMsg string) error

	// WriteKeepAlive sends an SSE comment (": ping") to keep the TCP
	// connection active through load balancer idle timeouts. Comments
	// are invisible to SSE clients.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter for HTTP SSE responses.
//
// # Thread Safety
//
// Thread-safe via mutex.
//
// # Limitations
//
//   - Cannot be reused across requests
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewSSEWriter creates a new SSEWriter for the given ResponseWriter.
//
// # Outputs
//
//   - SSEWriter: Ready to write SSE events.
//   - error: Non-nil if the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

// WriteEvent writes a single SSE event to the response.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.ID = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// WriteStarted writes the started event with both row identifiers.
func (w *sseWriter) WriteStarted(userMessageID, assistantMessageID string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:               datatypes.EventStarted,
		UserMessageID:      userMessageID,
		AssistantMessageID: assistantMessageID,
	})
}

// WriteChunk writes one relayed text chunk.
func (w *sseWriter) WriteChunk(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventChunk,
		Content: content,
	})
}

// WriteCitation writes a single citation event.
func (w *sseWriter) WriteCitation(source datatypes.Source) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:   datatypes.EventCitation,
		Source: &source,
	})
}

// WriteDone writes the terminal done event.
func (w *sseWriter) WriteDone(content string, sources []datatypes.Source) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    datatypes.EventDone,
		Content: content,
		Sources: sources,
	})
}

// WriteError writes the terminal error event.
func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  datatypes.EventError,
		Error: errMsg,
	})
}

// WriteKeepAlive sends a comment line to keep the connection alive.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// Must be called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
