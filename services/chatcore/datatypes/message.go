// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the chatcore service.
//
// This file contains the persisted record types: messages, citation
// sources, usage debits, and conversations. For request/response types
// see requests.go; for stream frames see events.go.
package datatypes

import "time"

// =============================================================================
// Enumerations
// =============================================================================

// Sender identifies the author of a message.
type Sender string

const (
	// SenderUser is the human side of a turn.
	SenderUser Sender = "user"

	// SenderAssistant is the generated side of a turn.
	SenderAssistant Sender = "assistant"
)

// MessageStatus is the lifecycle state of an assistant message.
//
// A message is created `streaming` and makes exactly one terminal
// transition to `finalized`. Content is mutable only while streaming;
// write-once thereafter. Completeness ("did generation run to the end
// or did the user stop it") is an attribute of the finalized record,
// not a separate status: both outcomes are terminal and billed
// identically.
type MessageStatus string

const (
	// StatusStreaming marks a message whose content is still being
	// accumulated. The row may be provisionally rewritten.
	StatusStreaming MessageStatus = "streaming"

	// StatusFinalized marks a committed message. The row is frozen.
	StatusFinalized MessageStatus = "finalized"
)

// =============================================================================
// Persisted Records
// =============================================================================

// Message is one side of a conversation turn.
//
// # Description
//
// User messages are written once at turn start. Assistant messages are
// created empty with StatusStreaming, provisionally updated while the
// stream is relayed, and frozen by the finalize transition.
//
// # Invariants
//
//   - At most one assistant Message per conversation is streaming at
//     any time (the most recent turn's).
//   - Content and Sources are mutable only while Status is streaming.
//   - The transition streaming → finalized happens exactly once.
//
// # Fields
//
//   - CostUsed: Credits reserved for this message at authorization
//     time. Debited at most once, at finalize.
//   - IsComplete: Whether the client saw generation run to its natural
//     end. Meaningful only when Status is finalized.
//   - Sources: Citations attributed to the answer (search-augmented
//     features only). Written at settle time, frozen at finalize.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Sender         Sender        `json:"sender"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	IsComplete     bool          `json:"is_complete"`
	CostUsed       int64         `json:"cost_used"`
	Sources        []Source      `json:"sources,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Terminal reports whether the message has reached its write-once state.
func (m *Message) Terminal() bool {
	return m.Status == StatusFinalized
}

// Source is a citation attributed to an assistant message.
//
// The dedupe key is the normalized URL (see providers.NormalizeURL);
// Title and Score follow last-write-wins semantics across repeated
// citation events for the same URL.
type Source struct {
	Title string  `json:"title"`
	URL   string  `json:"url"`
	Score float64 `json:"score"`
}

// UsageDebit records the one-time billing of an assistant message.
//
// # Invariant
//
// At most one UsageDebit exists per message ID, regardless of retries,
// double-submits, or concurrent finalize calls. Enforced by the
// finalization state machine, which writes the debit inside the same
// transaction as the terminal message write.
type UsageDebit struct {
	MessageID     string    `json:"message_id"`
	UserID        string    `json:"user_id"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	CreatedAt     time.Time `json:"created_at"`
}

// Conversation owns messages. This core creates the row lazily at the
// first turn and otherwise never mutates it; conversation CRUD and
// cascade deletion live outside this service.
type Conversation struct {
	ID        string    `json:"id"`
	Feature   string    `json:"feature"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscription is the read-only subscription view consumed by the
// quota ledger for subscription-gated and hybrid access policies.
type Subscription struct {
	UserID    string    `json:"user_id"`
	Active    bool      `json:"active"`
	Plan      string    `json:"plan"`
	ExpiresAt time.Time `json:"expires_at"`
}
