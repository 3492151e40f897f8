// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "errors"

// =============================================================================
// Error Taxonomy
// =============================================================================
//
// Handlers map these to HTTP statuses before the stream opens:
//
//	validation            → 400 (never retried)
//	ErrFeatureDisabled    → 403
//	ErrSubscriptionRequired → 403
//	ErrInsufficientCredits  → 402
//	ErrAlreadyFinalized   → 409 (conflict, explicitly not a failure)
//	ErrMessageNotFound    → 404
//
// Anything after the `started` frame is reported only on the stream.

var (
	// ErrFeatureDisabled means the feature view has enabled=false.
	// Rejected pre-stream; no rows created, no connection opened.
	ErrFeatureDisabled = errors.New("feature is disabled")

	// ErrInsufficientCredits means the user's balance does not cover
	// the feature cost. Rejected pre-stream.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrSubscriptionRequired means the feature is subscription-gated
	// and the user has no active subscription. Rejected pre-stream.
	ErrSubscriptionRequired = errors.New("active subscription required")

	// ErrAlreadyFinalized means a finalize (or legacy truncate) call
	// raced a previous terminal transition. The existing committed
	// record is returned alongside; callers treat this as a conflict,
	// not a failure.
	ErrAlreadyFinalized = errors.New("message already finalized")

	// ErrMessageNotFound means the message ID does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotAssistantMessage means a terminal transition was attempted
	// on a user message.
	ErrNotAssistantMessage = errors.New("not an assistant message")
)
