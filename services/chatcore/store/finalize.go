// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/datatypes"
)

// =============================================================================
// Finalization State Machine
// =============================================================================

// finalizeMaxRetries bounds the conflict-retry loop. Conflicts come
// from concurrent finalize or provisional writes on the same row;
// after the first committed terminal write every retry observes it and
// exits without mutating.
const finalizeMaxRetries = 5

// Finalizer owns the terminal transition of assistant messages.
//
// # Description
//
// The server never decides on its own that a stream "finished". Only
// the client knows what it actually rendered, so the terminal state is
// reachable solely through Finalize (or the deprecated Truncate). The
// terminal content write, the streaming-pointer clear, and the usage
// debit all commit in one transaction, which is what makes the debit
// at-most-once: a retry or a concurrent duplicate either conflicts and
// re-reads, or observes the already-terminal row and applies nothing.
//
// Finalize trusts the client-supplied content outright. It is not
// re-validated as a prefix of the generated text; rendering and
// escaping on the client side can legitimately diverge from the raw
// buffer, and the client copy is the authoritative one.
//
// # Thread Safety
//
// Safe for concurrent use.
type Finalizer struct {
	db     *DB
	ledger *Ledger
}

// NewFinalizer creates a Finalizer over the given database and ledger.
func NewFinalizer(db *DB, ledger *Ledger) *Finalizer {
	if db == nil || ledger == nil {
		panic("NewFinalizer: db and ledger must not be nil")
	}
	return &Finalizer{db: db, ledger: ledger}
}

// Finalize commits the terminal state of an assistant message.
//
// # Inputs
//
//   - messageID: The assistant row to commit.
//   - content: The exact text the client rendered. Stored as-is; an
//     empty string is a valid final content.
//   - isComplete: Whether generation ran to completion or the user
//     stopped it. Recorded as an attribute; both outcomes are terminal
//     and billed identically.
//
// # Outputs
//
//   - applied: True when this call performed the transition. False
//     with datatypes.ErrAlreadyFinalized when the row was already
//     terminal; the returned Message then carries the previously
//     committed content.
//   - error: ErrMessageNotFound, ErrNotAssistantMessage,
//     ErrAlreadyFinalized, or a storage failure.
func (f *Finalizer) Finalize(ctx context.Context, messageID, content string, isComplete bool) (bool, datatypes.Message, error) {
	var committed datatypes.Message

	for attempt := 0; attempt < finalizeMaxRetries; attempt++ {
		var debited bool
		err := f.db.WithTxn(ctx, func(txn *badger.Txn) error {
			var msg datatypes.Message
			found, err := getJSON(txn, prefixMessage+messageID, &msg)
			if err != nil {
				return err
			}
			if !found {
				return datatypes.ErrMessageNotFound
			}
			if msg.Sender != datatypes.SenderAssistant {
				return datatypes.ErrNotAssistantMessage
			}
			if msg.Terminal() {
				committed = msg
				return datatypes.ErrAlreadyFinalized
			}

			// Step 1: terminal content write. Sources stay as the
			// settle path persisted them; finalize never touches them.
			msg.Content = content
			msg.Status = datatypes.StatusFinalized
			msg.IsComplete = isComplete
			msg.UpdatedAt = time.Now().UTC()
			if err := setJSON(txn, prefixMessage+messageID, msg); err != nil {
				return err
			}

			// Step 2: release the conversation's streaming slot if it
			// still points at this row.
			var streamingID string
			found, err = getJSON(txn, prefixConvStream+msg.ConversationID, &streamingID)
			if err != nil {
				return err
			}
			if found && streamingID == messageID {
				if err := txn.Delete([]byte(prefixConvStream + msg.ConversationID)); err != nil {
					return err
				}
			}

			// Step 3: the one-time debit, in the same transaction.
			if msg.CostUsed > 0 {
				var conv datatypes.Conversation
				if _, err := getJSON(txn, prefixConversation+msg.ConversationID, &conv); err != nil {
					return err
				}
				if _, err := f.ledger.DebitInTxn(txn, messageID, conv.UserID, msg.CostUsed); err != nil {
					return err
				}
				debited = true
			}

			committed = msg
			return nil
		})

		switch {
		case err == nil:
			slog.Info("finalized assistant message",
				"message_id", messageID,
				"is_complete", isComplete,
				"debited", debited,
			)
			return true, committed, nil

		case errors.Is(err, datatypes.ErrAlreadyFinalized):
			return false, committed, datatypes.ErrAlreadyFinalized

		case errors.Is(err, badger.ErrConflict):
			// A concurrent writer committed first; re-read and decide
			// again. If it was a finalize, the next pass returns the
			// committed row with applied=false.
			continue

		default:
			return false, datatypes.Message{}, fmt.Errorf("finalize %s: %w", messageID, err)
		}
	}

	return false, datatypes.Message{}, fmt.Errorf("finalize %s: gave up after %d conflicts", messageID, finalizeMaxRetries)
}

// Truncate is the deprecated sibling of Finalize.
//
// Deprecated: it re-derives the final text from a character count
// against the server's last-known buffer, which can diverge from what
// the client actually rendered. Kept for old clients only; must not
// gain new callers.
func (f *Finalizer) Truncate(ctx context.Context, messageID string, characterCount int) (bool, datatypes.Message, error) {
	msg, err := f.db.message(ctx, messageID)
	if err != nil {
		return false, datatypes.Message{}, err
	}
	if msg.Sender != datatypes.SenderAssistant {
		return false, datatypes.Message{}, datatypes.ErrNotAssistantMessage
	}
	if msg.Terminal() {
		return false, msg, datatypes.ErrAlreadyFinalized
	}

	// Character counts are rune counts on the wire; a byte slice could
	// split a multibyte sequence.
	runes := []rune(msg.Content)
	if characterCount < 0 {
		characterCount = 0
	}
	if characterCount > len(runes) {
		characterCount = len(runes)
	}

	// A truncated turn is by definition not complete.
	return f.Finalize(ctx, messageID, string(runes[:characterCount]), false)
}

// message loads a message row outside any caller transaction.
func (d *DB) message(ctx context.Context, messageID string) (datatypes.Message, error) {
	var msg datatypes.Message
	err := d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		found, err := getJSON(txn, prefixMessage+messageID, &msg)
		if err != nil {
			return err
		}
		if !found {
			return datatypes.ErrMessageNotFound
		}
		return nil
	})
	return msg, err
}
