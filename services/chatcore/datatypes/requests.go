// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Size Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a user message.
	// Byte length, not rune count: the limit exists to bound memory,
	// not prose.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxFinalizeContentBytes bounds the client-supplied final content.
	// Larger than the inbound limit because the server generated most
	// of it in the first place.
	MaxFinalizeContentBytes = 256 * 1024 // 256KB
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// reqValidate is the validator instance for chatcore request types.
var reqValidate *validator.Validate

func init() {
	reqValidate = validator.New()
	_ = reqValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on string fields.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Turn Request
// =============================================================================

// TurnRequest is the body of POST /v1/{feature}/conversations/:id/messages.
//
// # Description
//
// Opens one streaming turn. Clients historically send the user text
// under either `message` or `content`; both are accepted and exactly
// one must be non-empty.
//
// # Validation
//
//   - exactly one of Message/Content non-empty
//   - text limited to 32KB (byte length)
type TurnRequest struct {
	Message string `json:"message" validate:"maxbytes"`
	Content string `json:"content" validate:"maxbytes"`
}

// Text returns the user text regardless of which field carried it.
func (r *TurnRequest) Text() string {
	if r.Message != "" {
		return r.Message
	}
	return r.Content
}

// Validate checks the TurnRequest fields.
func (r *TurnRequest) Validate() error {
	if r.Message == "" && r.Content == "" {
		return errors.New("message is required")
	}
	if r.Message != "" && r.Content != "" && r.Message != r.Content {
		return errors.New("message and content are mutually exclusive")
	}
	return reqValidate.Struct(r)
}

// =============================================================================
// Finalize Request
// =============================================================================

// FinalizeRequest is the body of POST /v1/{feature}/messages/:messageId/finalize.
//
// # Description
//
// Commits the authoritative final content of an assistant message.
// Content is a pointer so that a missing or non-string field is
// distinguishable from an empty string: `{"content": ""}` is a valid
// finalize of an empty answer (e.g., a stop before the first chunk),
// while an absent or mistyped content is a validation error.
//
// The supplied content is trusted outright: it is what the client
// actually rendered, and the newer protocol deliberately does not
// re-validate it as a prefix of the generated text.
type FinalizeRequest struct {
	Content    *string `json:"content"`
	IsComplete bool    `json:"isComplete"`
}

// Validate checks the FinalizeRequest fields.
func (r *FinalizeRequest) Validate() error {
	if r.Content == nil {
		return errors.New("content must be a string")
	}
	if len(*r.Content) > MaxFinalizeContentBytes {
		return errors.New("content exceeds maximum size")
	}
	return nil
}

// =============================================================================
// Truncate Request (deprecated)
// =============================================================================

// TruncateRequest is the body of the legacy truncate endpoint.
//
// Deprecated: the truncate path re-derives the rendered text from a
// raw character count against the server's last-known buffer, which
// can diverge from what the client actually displayed. Use finalize.
// Kept for compatibility; must not gain new callers.
type TruncateRequest struct {
	CharacterCount *int `json:"characterCount"`
}

// Validate checks the TruncateRequest fields.
func (r *TruncateRequest) Validate() error {
	if r.CharacterCount == nil {
		return errors.New("characterCount must be a number")
	}
	if *r.CharacterCount < 0 {
		return errors.New("characterCount must be non-negative")
	}
	return nil
}
