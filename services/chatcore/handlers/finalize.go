// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/datatypes"
	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/observability"
	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/store"
)

// =============================================================================
// Handler Definition
// =============================================================================

// FinalizeHandler serves the terminal-state endpoints.
//
// # Description
//
// Finalize commits the content the client actually rendered; the
// server never infers completeness from its own end-of-stream
// detection. The deprecated truncate sibling re-derives the final text
// from a character count against the server's buffer and exists only
// for old clients.
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction.
type FinalizeHandler struct {
	finalizer *store.Finalizer
	ledger    *store.Ledger
	tracer    trace.Tracer
}

// NewFinalizeHandler creates a FinalizeHandler.
func NewFinalizeHandler(finalizer *store.Finalizer, ledger *store.Ledger) *FinalizeHandler {
	if finalizer == nil || ledger == nil {
		panic("NewFinalizeHandler: dependencies must not be nil")
	}
	return &FinalizeHandler{
		finalizer: finalizer,
		ledger:    ledger,
		tracer:    otel.Tracer("medpalm.chatcore.handlers.finalize"),
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandleFinalize commits an assistant message's terminal state.
//
// # Description
//
// Handles POST /v1/{feature}/messages/:messageId/finalize. Idempotent:
// the first successful call commits content and triggers the one-time
// debit; any later call returns the previously committed message with
// a 409. Both responses are safe for the client to render identically.
//
// # Outputs
//
// HTTP status:
//   - 200 OK: committed message (this call applied the transition)
//   - 400 Bad Request: invalid body, or target is not an assistant message
//   - 404 Not Found: unknown message id
//   - 409 Conflict: {"message": "already finalized", "data": <existing>}
func (h *FinalizeHandler) HandleFinalize(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleFinalize")
	defer span.End()

	messageID := c.Param("messageId")
	span.SetAttributes(attribute.String("message.id", messageID))

	// Step 1: Parse and validate. A missing content field is a
	// validation error; an explicit empty string is a valid final
	// content (disconnect before the first chunk).
	var req datatypes.FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Step 2: Run the terminal transition.
	applied, msg, err := h.finalizer.Finalize(ctx, messageID, *req.Content, req.IsComplete)
	h.respond(c, span, messageID, applied, msg, err)
}

// HandleTruncate commits a truncated terminal state from a character
// count.
//
// # Description
//
// Handles POST /v1/{feature}/messages/:messageId/truncate.
//
// Deprecated path: the count is applied to the server's last-known
// buffer, which can diverge from what the client rendered. Kept for
// compatibility; new clients must use finalize.
func (h *FinalizeHandler) HandleTruncate(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleTruncate")
	defer span.End()

	messageID := c.Param("messageId")
	span.SetAttributes(attribute.String("message.id", messageID))

	var req datatypes.TruncateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	slog.Warn("deprecated truncate path used", "message_id", messageID)
	c.Header("Deprecation", "true")

	applied, msg, err := h.finalizer.Truncate(ctx, messageID, *req.CharacterCount)
	h.respond(c, span, messageID, applied, msg, err)
}

// respond maps a finalizer outcome onto the HTTP response and metrics.
func (h *FinalizeHandler) respond(
	c *gin.Context,
	span trace.Span,
	messageID string,
	applied bool,
	msg datatypes.Message,
	err error,
) {
	switch {
	case err == nil && applied:
		span.SetAttributes(attribute.Bool("finalize.applied", true))
		if m := observability.DefaultMetrics; m != nil {
			m.RecordFinalize("applied")
			if msg.CostUsed > 0 {
				if debit, found, derr := h.ledger.DebitFor(c.Request.Context(), messageID); derr == nil && found {
					m.RecordDebit(debit.BalanceAfter)
				}
			}
		}
		c.JSON(http.StatusOK, msg)

	case errors.Is(err, datatypes.ErrAlreadyFinalized):
		span.SetAttributes(attribute.Bool("finalize.applied", false))
		if m := observability.DefaultMetrics; m != nil {
			m.RecordFinalize("conflict")
		}
		c.JSON(http.StatusConflict, gin.H{
			"message": "already finalized",
			"data":    msg,
		})

	default:
		span.RecordError(err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordFinalize("error")
		}
		writeTypedError(c, err)
	}
}
