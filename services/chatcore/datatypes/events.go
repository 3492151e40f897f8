// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// =============================================================================
// Stream Frame Types
// =============================================================================

// Stream frame type discriminants. One turn's wire sequence is exactly:
//
//	started (chunk | citation)* (done | error)
//
// `started` always precedes the first chunk and carries both row IDs so
// the client can finalize even if generation stalls immediately after.
const (
	EventStarted  = "started"
	EventChunk    = "chunk"
	EventCitation = "citation"
	EventDone     = "done"
	EventError    = "error"
)

// StreamEvent is one SSE frame of a streaming turn.
//
// # Description
//
// Serialized as `data: <json>\n\n`. The Type field discriminates the
// frame; the remaining fields are populated per type:
//
//   - started: UserMessageID, AssistantMessageID
//   - chunk: Content (an incremental text fragment)
//   - citation: Source (one deduped citation, search features only)
//   - done: Content (full accumulated text), Sources
//   - error: Error (sanitized message, no internal details)
//
// ID and CreatedAt are populated by the SSE writer on every frame for
// client-side ordering and dedup across reconnect attempts.
type StreamEvent struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`

	UserMessageID      string `json:"user_message_id,omitempty"`
	AssistantMessageID string `json:"assistant_message_id,omitempty"`

	Content string   `json:"content,omitempty"`
	Source  *Source  `json:"source,omitempty"`
	Sources []Source `json:"sources,omitempty"`
	Error   string   `json:"error,omitempty"`
}
