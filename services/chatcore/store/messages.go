// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/datatypes"
)

// =============================================================================
// Message Store
// =============================================================================

// MessageStore owns the message and conversation keyspace.
//
// # Description
//
// The streaming assistant row is mutated by exactly two actors: the
// turn orchestrator's provisional write and the finalizer's terminal
// write. Both go through conditional updates ("only if still
// streaming"), so a finalize racing a slow orchestrator always wins if
// it reaches the terminal write first, and the losing provisional
// write degrades to a silent no-op.
//
// # Thread Safety
//
// Safe for concurrent use; all mutations run in Badger transactions.
type MessageStore struct {
	db *DB
}

// NewMessageStore creates a MessageStore over the given database.
func NewMessageStore(db *DB) *MessageStore {
	if db == nil {
		panic("NewMessageStore: db must not be nil")
	}
	return &MessageStore{db: db}
}

// Turn holds the placeholder rows created at turn start.
type Turn struct {
	UserMessage      datatypes.Message
	AssistantMessage datatypes.Message

	// ClosedStale is true when provisioning found a previous assistant
	// row still streaming in this conversation and closed it.
	ClosedStale bool
}

// CreateTurn creates the placeholder rows for one streaming turn.
//
// # Description
//
// In a single transaction:
//
//  1. Ensures the conversation row exists (created lazily on the
//     first turn; conversation CRUD is an external concern).
//  2. Enforces the one-streaming-assistant-message invariant: if the
//     conversation still points at an older streaming row, that row is
//     closed (finalized, is_complete=false, content as provisionally
//     saved) with no debit. Billing is only ever triggered by a
//     client finalize, and an abandoned turn has no client left to
//     finalize it.
//  3. Writes the user row and an empty assistant row with
//     status=streaming and the authorized cost recorded on it.
//
// # Inputs
//
//   - feature: Feature key owning the conversation.
//   - conversationID: Conversation to append to.
//   - userID: Authenticated user (billing subject).
//   - userText: The user's message content.
//   - cost: Authorized per-turn cost, recorded as CostUsed.
//
// # Outputs
//
//   - Turn: Both placeholder rows, with IDs assigned.
//   - error: Non-nil on storage failure. No partial rows remain.
func (s *MessageStore) CreateTurn(ctx context.Context, feature, conversationID, userID, userText string, cost int64) (Turn, error) {
	now := time.Now().UTC()
	turn := Turn{
		UserMessage: datatypes.Message{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Sender:         datatypes.SenderUser,
			Content:        userText,
			Status:         datatypes.StatusFinalized,
			IsComplete:     true,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		AssistantMessage: datatypes.Message{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Sender:         datatypes.SenderAssistant,
			Status:         datatypes.StatusStreaming,
			CostUsed:       cost,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		// Conversation row, created lazily.
		var conv datatypes.Conversation
		found, err := getJSON(txn, prefixConversation+conversationID, &conv)
		if err != nil {
			return err
		}
		if !found {
			conv = datatypes.Conversation{
				ID:        conversationID,
				Feature:   feature,
				UserID:    userID,
				CreatedAt: now,
			}
			if err := setJSON(txn, prefixConversation+conversationID, conv); err != nil {
				return err
			}
		}

		// One streaming assistant message per conversation: close a
		// stale one left behind by an abandoned turn.
		var staleID string
		found, err = getJSON(txn, prefixConvStream+conversationID, &staleID)
		if err != nil {
			return err
		}
		if found && staleID != "" {
			var stale datatypes.Message
			ok, err := getJSON(txn, prefixMessage+staleID, &stale)
			if err != nil {
				return err
			}
			if ok && !stale.Terminal() {
				stale.Status = datatypes.StatusFinalized
				stale.IsComplete = false
				stale.UpdatedAt = now
				if err := setJSON(txn, prefixMessage+staleID, stale); err != nil {
					return err
				}
				turn.ClosedStale = true
			}
		}

		if err := setJSON(txn, prefixMessage+turn.UserMessage.ID, turn.UserMessage); err != nil {
			return err
		}
		if err := setJSON(txn, prefixMessage+turn.AssistantMessage.ID, turn.AssistantMessage); err != nil {
			return err
		}

		// Conversation-scoped index entries so History iterates one
		// conversation instead of the whole message keyspace. The seq
		// suffix orders user before assistant within the shared instant.
		if err := setJSON(txn, convIndexKey(conversationID, now, 0, turn.UserMessage.ID), turn.UserMessage.ID); err != nil {
			return err
		}
		if err := setJSON(txn, convIndexKey(conversationID, now, 1, turn.AssistantMessage.ID), turn.AssistantMessage.ID); err != nil {
			return err
		}
		return setJSON(txn, prefixConvStream+conversationID, turn.AssistantMessage.ID)
	})
	if err != nil {
		return Turn{}, fmt.Errorf("create turn: %w", err)
	}

	if turn.ClosedStale {
		slog.Warn("closed stale streaming assistant message",
			"conversation_id", conversationID,
		)
	}
	return turn, nil
}

// ProvisionalSave writes the accumulated buffer onto a streaming row.
//
// # Description
//
// Best-effort, non-terminal persistence used when a stream ends,
// whether normally, by disconnect, or by upstream error. The update is
// conditional: if the row has already been finalized (a finalize call
// raced the orchestrator), the write is a silent no-op and applied is
// false. Status is never changed here; a finalize call is still
// required to reach the terminal state.
//
// # Outputs
//
//   - applied: False when the row was already terminal.
//   - error: Non-nil on storage failure or unknown message.
func (s *MessageStore) ProvisionalSave(ctx context.Context, messageID, content string, sources []datatypes.Source) (bool, error) {
	applied := false
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var msg datatypes.Message
		found, err := getJSON(txn, prefixMessage+messageID, &msg)
		if err != nil {
			return err
		}
		if !found {
			return datatypes.ErrMessageNotFound
		}
		if msg.Terminal() {
			// Lost the race against finalize; the terminal write wins.
			return nil
		}

		msg.Content = content
		msg.Sources = sources
		msg.UpdatedAt = time.Now().UTC()
		applied = true
		return setJSON(txn, prefixMessage+messageID, msg)
	})
	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			// A concurrent terminal write committed first. By the
			// shared-row policy that write wins and this one is a no-op.
			return false, nil
		}
		return false, fmt.Errorf("provisional save %s: %w", messageID, err)
	}
	return applied, nil
}

// Get loads a message by ID.
func (s *MessageStore) Get(ctx context.Context, messageID string) (datatypes.Message, error) {
	var msg datatypes.Message
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		found, err := getJSON(txn, prefixMessage+messageID, &msg)
		if err != nil {
			return err
		}
		if !found {
			return datatypes.ErrMessageNotFound
		}
		return nil
	})
	if err != nil {
		return datatypes.Message{}, err
	}
	return msg, nil
}

// History returns the finalized messages of a conversation in
// chronological order. Used to rebuild provider context for follow-up
// turns.
//
// Iterates the conversation index, so the cost scales with the
// conversation rather than the database. Index keys sort by creation
// time with user-before-assistant within a turn, which is the output
// order.
func (s *MessageStore) History(ctx context.Context, conversationID string, limit int) ([]datatypes.Message, error) {
	var out []datatypes.Message
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixConvIndex + conversationID + ":")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var messageID string
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &messageID)
			}); err != nil {
				return err
			}

			var msg datatypes.Message
			found, err := getJSON(txn, prefixMessage+messageID, &msg)
			if err != nil {
				return err
			}
			if !found || !msg.Terminal() {
				continue
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", conversationID, err)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// convIndexKey builds a conversation history index key. Zero-padded
// nanoseconds keep lexicographic and chronological order aligned; seq
// breaks the tie between the two rows of one turn, and the message ID
// keeps keys unique across turns sharing a clock reading.
func convIndexKey(conversationID string, t time.Time, seq int, messageID string) string {
	return fmt.Sprintf("%s%s:%020d:%d:%s", prefixConvIndex, conversationID, t.UnixNano(), seq, messageID)
}

// =============================================================================
// Keyspace Helpers
// =============================================================================

// getJSON loads and unmarshals a key. Returns found=false when absent.
func getJSON(txn *badger.Txn, key string, v interface{}) (bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	}); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// setJSON marshals and stores a value.
func setJSON(txn *badger.Txn, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := txn.Set([]byte(key), raw); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
