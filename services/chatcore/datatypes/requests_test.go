// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TurnRequest Tests
// =============================================================================

func TestTurnRequest_Text(t *testing.T) {
	tests := []struct {
		name string
		req  TurnRequest
		want string
	}{
		{"message field", TurnRequest{Message: "hello"}, "hello"},
		{"content field", TurnRequest{Content: "hello"}, "hello"},
		{"message wins when both set", TurnRequest{Message: "a", Content: "b"}, "a"},
		{"empty", TurnRequest{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.Text())
		})
	}
}

func TestTurnRequest_Validate(t *testing.T) {
	t.Run("message only is valid", func(t *testing.T) {
		req := TurnRequest{Message: "what is hypertension?"}
		assert.NoError(t, req.Validate())
	})

	t.Run("content only is valid", func(t *testing.T) {
		req := TurnRequest{Content: "what is hypertension?"}
		assert.NoError(t, req.Validate())
	})

	t.Run("both empty is rejected", func(t *testing.T) {
		req := TurnRequest{}
		require.Error(t, req.Validate())
	})

	t.Run("conflicting fields are rejected", func(t *testing.T) {
		req := TurnRequest{Message: "a", Content: "b"}
		require.Error(t, req.Validate())
	})

	t.Run("identical duplicate fields are tolerated", func(t *testing.T) {
		// Some older clients send the text under both keys.
		req := TurnRequest{Message: "same", Content: "same"}
		assert.NoError(t, req.Validate())
	})

	t.Run("oversized message is rejected", func(t *testing.T) {
		req := TurnRequest{Message: strings.Repeat("x", MaxMessageContentBytes+1)}
		require.Error(t, req.Validate())
	})

	t.Run("message at the limit is valid", func(t *testing.T) {
		req := TurnRequest{Message: strings.Repeat("x", MaxMessageContentBytes)}
		assert.NoError(t, req.Validate())
	})

	t.Run("limit is bytes not runes", func(t *testing.T) {
		// 3-byte runes: a third of the limit in characters still fills it.
		req := TurnRequest{Message: strings.Repeat("世", MaxMessageContentBytes/3+1)}
		require.Error(t, req.Validate())
	})
}

// =============================================================================
// FinalizeRequest Tests
// =============================================================================

func TestFinalizeRequest_Validate(t *testing.T) {
	t.Run("missing content is rejected", func(t *testing.T) {
		req := FinalizeRequest{IsComplete: true}
		require.Error(t, req.Validate())
	})

	t.Run("explicit empty string is valid", func(t *testing.T) {
		// A stop before the first chunk finalizes an empty answer.
		empty := ""
		req := FinalizeRequest{Content: &empty}
		assert.NoError(t, req.Validate())
	})

	t.Run("normal content is valid", func(t *testing.T) {
		content := "the full rendered answer"
		req := FinalizeRequest{Content: &content, IsComplete: true}
		assert.NoError(t, req.Validate())
	})

	t.Run("oversized content is rejected", func(t *testing.T) {
		content := strings.Repeat("x", MaxFinalizeContentBytes+1)
		req := FinalizeRequest{Content: &content}
		require.Error(t, req.Validate())
	})
}

// =============================================================================
// TruncateRequest Tests
// =============================================================================

func TestTruncateRequest_Validate(t *testing.T) {
	count := func(n int) *int { return &n }

	t.Run("missing count is rejected", func(t *testing.T) {
		req := TruncateRequest{}
		require.Error(t, req.Validate())
	})

	t.Run("zero is valid", func(t *testing.T) {
		req := TruncateRequest{CharacterCount: count(0)}
		assert.NoError(t, req.Validate())
	})

	t.Run("negative is rejected", func(t *testing.T) {
		req := TruncateRequest{CharacterCount: count(-1)}
		require.Error(t, req.Validate())
	})

	t.Run("positive is valid", func(t *testing.T) {
		req := TruncateRequest{CharacterCount: count(42)}
		assert.NoError(t, req.Validate())
	})
}

// =============================================================================
// Message Tests
// =============================================================================

func TestMessage_Terminal(t *testing.T) {
	streaming := Message{Status: StatusStreaming}
	finalized := Message{Status: StatusFinalized}

	assert.False(t, streaming.Terminal())
	assert.True(t, finalized.Terminal())
	assert.False(t, (&Message{}).Terminal(), "zero status is not terminal")
}
