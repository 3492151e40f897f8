// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/datatypes"
)

// newTestStore opens an in-memory database with all store components.
func newTestStore(t *testing.T) (*MessageStore, *Ledger, *Finalizer) {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ledger := NewLedger(db)
	return NewMessageStore(db), ledger, NewFinalizer(db, ledger)
}

func TestCreateTurn_CreatesPlaceholderRows(t *testing.T) {
	msgs, _, _ := newTestStore(t)
	ctx := context.Background()

	turn, err := msgs.CreateTurn(ctx, "assistant", "conv-1", "user-1", "hello", 5)
	require.NoError(t, err)

	assert.False(t, turn.ClosedStale)
	assert.Equal(t, datatypes.SenderUser, turn.UserMessage.Sender)
	assert.Equal(t, "hello", turn.UserMessage.Content)
	assert.True(t, turn.UserMessage.Terminal())

	assert.Equal(t, datatypes.SenderAssistant, turn.AssistantMessage.Sender)
	assert.Empty(t, turn.AssistantMessage.Content)
	assert.Equal(t, datatypes.StatusStreaming, turn.AssistantMessage.Status)
	assert.Equal(t, int64(5), turn.AssistantMessage.CostUsed)

	stored, err := msgs.Get(ctx, turn.AssistantMessage.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusStreaming, stored.Status)
}

func TestCreateTurn_ClosesStaleStreamingRow(t *testing.T) {
	msgs, ledger, _ := newTestStore(t)
	ctx := context.Background()

	first, err := msgs.CreateTurn(ctx, "assistant", "conv-1", "user-1", "q1", 5)
	require.NoError(t, err)

	_, err = msgs.ProvisionalSave(ctx, first.AssistantMessage.ID, "partial answer", nil)
	require.NoError(t, err)

	// The first turn was abandoned; starting a second one must close it.
	second, err := msgs.CreateTurn(ctx, "assistant", "conv-1", "user-1", "q2", 5)
	require.NoError(t, err)
	assert.True(t, second.ClosedStale)

	stale, err := msgs.Get(ctx, first.AssistantMessage.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusFinalized, stale.Status)
	assert.False(t, stale.IsComplete)
	assert.Equal(t, "partial answer", stale.Content)

	// Closing a stale row never bills; only a client finalize does.
	_, found, err := ledger.DebitFor(ctx, first.AssistantMessage.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProvisionalSave_NoOpAfterFinalize(t *testing.T) {
	msgs, _, fin := newTestStore(t)
	ctx := context.Background()

	turn, err := msgs.CreateTurn(ctx, "assistant", "conv-1", "user-1", "q", 0)
	require.NoError(t, err)
	id := turn.AssistantMessage.ID

	applied, _, err := fin.Finalize(ctx, id, "final text", true)
	require.NoError(t, err)
	require.True(t, applied)

	// A slow orchestrator loses the race silently.
	applied2, err := msgs.ProvisionalSave(ctx, id, "late provisional buffer", nil)
	require.NoError(t, err)
	assert.False(t, applied2)

	stored, err := msgs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "final text", stored.Content)
}

func TestProvisionalSave_WritesBufferAndSources(t *testing.T) {
	msgs, _, _ := newTestStore(t)
	ctx := context.Background()

	turn, err := msgs.CreateTurn(ctx, "thesis", "conv-1", "user-1", "q", 0)
	require.NoError(t, err)

	sources := []datatypes.Source{{Title: "Paper", URL: "https://example.org/p", Score: 1.0}}
	applied, err := msgs.ProvisionalSave(ctx, turn.AssistantMessage.ID, "draft", sources)
	require.NoError(t, err)
	assert.True(t, applied)

	stored, err := msgs.Get(ctx, turn.AssistantMessage.ID)
	require.NoError(t, err)
	assert.Equal(t, "draft", stored.Content)
	assert.Equal(t, sources, stored.Sources)
	assert.Equal(t, datatypes.StatusStreaming, stored.Status)
}

func TestGet_UnknownMessage(t *testing.T) {
	msgs, _, _ := newTestStore(t)

	_, err := msgs.Get(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, datatypes.ErrMessageNotFound)
}

func TestHistory_OrderedAndFinalizedOnly(t *testing.T) {
	msgs, _, fin := newTestStore(t)
	ctx := context.Background()

	first, err := msgs.CreateTurn(ctx, "assistant", "conv-1", "user-1", "q1", 0)
	require.NoError(t, err)
	_, _, err = fin.Finalize(ctx, first.AssistantMessage.ID, "a1", true)
	require.NoError(t, err)

	second, err := msgs.CreateTurn(ctx, "assistant", "conv-1", "user-1", "q2", 0)
	require.NoError(t, err)

	// Noise from another conversation.
	_, err = msgs.CreateTurn(ctx, "assistant", "conv-2", "user-2", "other", 0)
	require.NoError(t, err)

	history, err := msgs.History(ctx, "conv-1", 0)
	require.NoError(t, err)

	// The second assistant row is still streaming and must be absent.
	require.Len(t, history, 3)
	assert.Equal(t, "q1", history[0].Content)
	assert.Equal(t, "a1", history[1].Content)
	assert.Equal(t, "q2", history[2].Content)
	_ = second
}

func TestHistory_ScopedToConversation(t *testing.T) {
	msgs, _, fin := newTestStore(t)
	ctx := context.Background()

	// Interleave turns across conversations; each conversation's index
	// must only yield its own rows.
	for i := 0; i < 5; i++ {
		mine, err := msgs.CreateTurn(ctx, "assistant", "conv-mine", "user-1", "mine", 0)
		require.NoError(t, err)
		_, _, err = fin.Finalize(ctx, mine.AssistantMessage.ID, "answer", true)
		require.NoError(t, err)

		other, err := msgs.CreateTurn(ctx, "assistant", "conv-mine-2", "user-2", "other", 0)
		require.NoError(t, err)
		_, _, err = fin.Finalize(ctx, other.AssistantMessage.ID, "other answer", true)
		require.NoError(t, err)
	}

	// "conv-mine" is a prefix of "conv-mine-2"; the scoped lookup must
	// not bleed across the boundary.
	history, err := msgs.History(ctx, "conv-mine", 0)
	require.NoError(t, err)
	require.Len(t, history, 10)
	for _, m := range history {
		assert.Equal(t, "conv-mine", m.ConversationID)
	}
}

func TestHistory_TailLimit(t *testing.T) {
	msgs, _, fin := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		turn, err := msgs.CreateTurn(ctx, "assistant", "conv-1", "user-1", "q", 0)
		require.NoError(t, err)
		_, _, err = fin.Finalize(ctx, turn.AssistantMessage.ID, "a", true)
		require.NoError(t, err)
	}

	// The limit keeps the newest rows, still in chronological order.
	history, err := msgs.History(ctx, "conv-1", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, datatypes.SenderAssistant, history[0].Sender)
	assert.Equal(t, datatypes.SenderUser, history[1].Sender)
	assert.Equal(t, datatypes.SenderAssistant, history[2].Sender)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].CreatedAt.Before(history[i-1].CreatedAt))
	}
}
