// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/datatypes"
	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/providers"
)

func postJSON(stack *testStack, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	stack.router.ServeHTTP(rec, req)
	return rec
}

// startTurn runs one streaming turn and returns the assistant row ID.
func startTurn(t *testing.T, stack *testStack, feature string) string {
	t.Helper()
	rec := postTurn(stack, feature, "conv-fin", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	events := parseSSEEvents(t, rec.Body.String())
	require.NotEmpty(t, events)
	require.Equal(t, datatypes.EventStarted, events[0].Type)
	return events[0].AssistantMessageID
}

func TestHandleFinalize_CommitThenConflict(t *testing.T) {
	direct := &fakeProvider{name: "direct", chunks: []providers.Chunk{{Text: "generated"}}}
	stack := newTestStack(t, direct, nil)
	assistantID := startTurn(t, stack, "assistant")

	// First call commits the client-rendered content verbatim.
	rec := postJSON(stack, "/v1/assistant/messages/"+assistantID+"/finalize",
		`{"content":"what the client rendered","isComplete":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var committed datatypes.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &committed))
	assert.Equal(t, "what the client rendered", committed.Content)
	assert.Equal(t, datatypes.StatusFinalized, committed.Status)
	assert.True(t, committed.IsComplete)

	// Second call with different content returns the first commit.
	rec = postJSON(stack, "/v1/assistant/messages/"+assistantID+"/finalize",
		`{"content":"something else","isComplete":false}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	var conflict struct {
		Message string            `json:"message"`
		Data    datatypes.Message `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conflict))
	assert.Equal(t, "already finalized", conflict.Message)
	assert.Equal(t, "what the client rendered", conflict.Data.Content)
	assert.True(t, conflict.Data.IsComplete)
}

func TestHandleFinalize_MissingContentIsValidationError(t *testing.T) {
	direct := &fakeProvider{name: "direct", chunks: []providers.Chunk{{Text: "x"}}}
	stack := newTestStack(t, direct, nil)
	assistantID := startTurn(t, stack, "assistant")

	rec := postJSON(stack, "/v1/assistant/messages/"+assistantID+"/finalize",
		`{"isComplete":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// An explicit empty string is valid.
	rec = postJSON(stack, "/v1/assistant/messages/"+assistantID+"/finalize",
		`{"content":"","isComplete":false}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleFinalize_UnknownMessage(t *testing.T) {
	stack := newTestStack(t, &fakeProvider{name: "direct"}, nil)

	rec := postJSON(stack, "/v1/assistant/messages/no-such-id/finalize",
		`{"content":"x","isComplete":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleFinalize_DebitsOnce(t *testing.T) {
	direct := &fakeProvider{name: "direct", chunks: []providers.Chunk{{Text: "answer"}}}
	stack := newTestStack(t, direct, nil)
	ctx := context.Background()

	require.NoError(t, stack.ledger.SetBalance(ctx, "user-1", 10))

	rec := postTurn(stack, "clinical-sim", "conv-fin", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assistantID := parseSSEEvents(t, rec.Body.String())[0].AssistantMessageID

	rec2 := postJSON(stack, "/v1/clinical-sim/messages/"+assistantID+"/finalize",
		`{"content":"answer","isComplete":true}`)
	require.Equal(t, http.StatusOK, rec2.Code)

	balance, err := stack.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	// Retry conflicts and does not debit again.
	rec3 := postJSON(stack, "/v1/clinical-sim/messages/"+assistantID+"/finalize",
		`{"content":"answer","isComplete":true}`)
	require.Equal(t, http.StatusConflict, rec3.Code)

	balance, err = stack.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
}

func TestHandleTruncate_DeprecatedButWorking(t *testing.T) {
	direct := &fakeProvider{name: "direct", chunks: []providers.Chunk{{Text: "truncate me here"}}}
	stack := newTestStack(t, direct, nil)
	assistantID := startTurn(t, stack, "assistant")

	rec := postJSON(stack, "/v1/assistant/messages/"+assistantID+"/truncate",
		`{"characterCount":8}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Deprecation"))

	var committed datatypes.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &committed))
	assert.Equal(t, "truncate", committed.Content)
	assert.False(t, committed.IsComplete)

	// Truncate after finalize conflicts like any other retry.
	rec = postJSON(stack, "/v1/assistant/messages/"+assistantID+"/truncate",
		`{"characterCount":3}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleTruncate_MissingCount(t *testing.T) {
	direct := &fakeProvider{name: "direct", chunks: []providers.Chunk{{Text: "x"}}}
	stack := newTestStack(t, direct, nil)
	assistantID := startTurn(t, stack, "assistant")

	rec := postJSON(stack, "/v1/assistant/messages/"+assistantID+"/truncate", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
