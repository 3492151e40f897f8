// Copyright (C) 2025 Mediko (medpalm@mediko.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the HTTP surface of the chat core: the
// streaming turn orchestrator, the finalize endpoints, and the SSE
// plumbing they share.
//
// # Description
//
// One streaming turn moves through five phases:
//
//	authorizing → provisioning → relaying → settling → done
//
// Authorization rejections surface as normal HTTP errors before any
// row exists. Once the started event has been written, all failures
// are communicated as SSE frames; the connection always ends with
// exactly one done or error event if the client is still reachable.
//
// # Thread Safety
//
// Handlers are stateless after construction; per-turn state lives on
// the stack of each request goroutine.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/config"
	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/datatypes"
	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/observability"
	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/providers"
	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/store"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval is the interval for sending keepalive pings.
	// 15s stays well under common load balancer idle timeouts (60s).
	heartbeatInterval = 15 * time.Second

	// historyLimit bounds how many prior messages are replayed to the
	// provider as conversation context.
	historyLimit = 20

	// userIDHeader carries the authenticated user identity. Auth
	// itself happens at the gateway; this core trusts the header.
	userIDHeader = "X-User-ID"

	// anonymousUser is the fallback identity when the gateway sends
	// no header, e.g. free features exposed without login.
	anonymousUser = "anonymous"
)

// =============================================================================
// Handler Definition
// =============================================================================

// TurnHandler orchestrates streaming chat turns for all features.
//
// # Description
//
// One handler instance serves every feature; the feature key is bound
// per route via StreamTurn. Feature configuration is resolved per
// request so hot reloads take effect without a restart.
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction.
type TurnHandler struct {
	registry  *config.Registry
	providers map[string]providers.Provider
	messages  *store.MessageStore
	ledger    *store.Ledger
	tracer    trace.Tracer
}

// NewTurnHandler creates a TurnHandler with the provided dependencies.
//
// # Inputs
//
//   - registry: Feature configuration registry. Must not be nil.
//   - provs: Provider variants keyed by variant name ("direct",
//     "search"). Must cover every variant the config can name.
//   - messages: Message store. Must not be nil.
//   - ledger: Quota ledger. Must not be nil.
//
// # Limitations
//
//   - Panics on nil dependencies (programming errors).
func NewTurnHandler(
	registry *config.Registry,
	provs map[string]providers.Provider,
	messages *store.MessageStore,
	ledger *store.Ledger,
) *TurnHandler {
	if registry == nil || messages == nil || ledger == nil {
		panic("NewTurnHandler: dependencies must not be nil")
	}
	return &TurnHandler{
		registry:  registry,
		providers: provs,
		messages:  messages,
		ledger:    ledger,
		tracer:    otel.Tracer("medpalm.chatcore.handlers.turn_streaming"),
	}
}

// StreamTurn returns the gin handler for one feature's turn endpoint.
//
// # Description
//
// Handles POST /v1/{feature}/conversations/:conversationId/messages.
// The flow is:
//  1. Parse and validate the request body
//  2. Authorize via the quota ledger (no rows created on rejection)
//  3. Open the upstream stream (pre-stream failures are HTTP errors)
//  4. Create placeholder rows and emit the started event
//  5. Relay chunks while the liveness monitor watches the connection
//  6. Settle: done event, or provisional save on disconnect/error
//
// # Outputs
//
// SSE events (data-only frames, type inside the JSON payload):
//   - data: {"type":"started","user_message_id":"...","assistant_message_id":"..."}
//   - data: {"type":"chunk","content":"..."}
//   - data: {"type":"citation","source":{"title":"...","url":"..."}}
//   - data: {"type":"done","content":"...","sources":[...]}
//   - data: {"type":"error","error":"..."}
//
// HTTP status (before streaming starts):
//   - 400 Bad Request: invalid request body
//   - 402 Payment Required: insufficient credits
//   - 403 Forbidden: feature disabled or subscription required
//   - 404 Not Found: unknown feature
//   - 502 Bad Gateway: upstream failed before the first chunk
//
// # Limitations
//
//   - Errors after the started event are sent as SSE frames, never as
//     HTTP errors.
func (h *TurnHandler) StreamTurn(feature string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.handleTurn(c, feature)
	}
}

func (h *TurnHandler) handleTurn(c *gin.Context, feature string) {
	start := time.Now()

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleTurnStream")
	defer span.End()
	span.SetAttributes(attribute.String("turn.feature", feature))

	// Step 0: Identity from the gateway.
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		userID = anonymousUser
	}
	span.SetAttributes(attribute.String("user.id", userID))

	conversationID := c.Param("conversationId")

	// Step 1: Parse and validate the request body.
	var req datatypes.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		recordTurnError(feature, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		recordTurnError(feature, observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Step 2: Authorizing. Policy rejections are typed errors mapped
	// to HTTP statuses; nothing has been written yet.
	feat, access, ok := h.registry.Get(feature)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown feature"})
		return
	}
	decision, err := h.ledger.Authorize(ctx, userID, feat, access)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authorization denied")
		recordTurnError(feature, observability.ErrorCodeQuota)
		writeTypedError(c, err)
		return
	}
	span.SetAttributes(attribute.Int64("turn.cost", decision.Cost))

	provider, ok := h.providers[feat.Provider]
	if !ok {
		slog.Error("feature references unknown provider variant",
			"feature", feature,
			"variant", feat.Provider,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "feature misconfigured"})
		return
	}

	// Step 3: Liveness latch. Its context is the cancellation token
	// for everything downstream, including the upstream pull loop.
	monitor := NewLivenessMonitor(ctx)
	defer monitor.Release()

	// Step 4: Open the upstream stream. A failure here is still a
	// normal HTTP error and no rows exist yet.
	history, err := h.loadHistory(c, feature, conversationID)
	if err != nil {
		return
	}
	handle, err := provider.StartGeneration(monitor.Context(), providers.Request{
		ModelID:      feat.ModelID,
		SystemPrompt: feat.PromptTemplate,
		History:      history,
		UserText:     req.Text(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream open failed")
		recordTurnError(feature, observability.ErrorCodeProvider)
		slog.Error("upstream stream open failed", "feature", feature, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "generation backend unavailable"})
		return
	}
	defer handle.Close()

	// Step 5: Provisioning. Placeholder rows give the client durable
	// IDs to finalize against even if generation stalls.
	turn, err := h.messages.CreateTurn(ctx, feature, conversationID, userID, req.Text(), decision.Cost)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provisioning failed")
		recordTurnError(feature, observability.ErrorCodeStorage)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start turn"})
		return
	}
	span.SetAttributes(attribute.String("turn.assistant_message_id", turn.AssistantMessage.ID))

	// Step 6: Switch to SSE. From here on, errors travel as frames.
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		recordTurnError(feature, observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	if err := writer.WriteStarted(turn.UserMessage.ID, turn.AssistantMessage.ID); err != nil {
		monitor.MarkDisconnected("write_failed")
	}

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(feature)
		defer m.StreamEnded(feature)
	}

	// Step 7: Heartbeat goroutine against load balancer idle timeouts.
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go h.runHeartbeat(monitor, writer, feature, heartbeatDone)

	// Step 8: Relaying.
	relay := h.relayStream(monitor, writer, provider, handle, feature, start)

	// Step 9: Settling.
	h.settle(c, span, monitor, writer, feature, turn.AssistantMessage.ID, relay)

	if m := observability.DefaultMetrics; m != nil {
		m.RecordTurn(feature, relay.err == nil)
		m.RecordTurnDuration(feature, time.Since(start).Seconds(), relay.err == nil)
	}
}

// loadHistory replays prior finalized turns as provider context. A
// storage failure here aborts the request with a 500.
func (h *TurnHandler) loadHistory(c *gin.Context, feature, conversationID string) ([]providers.HistoryMessage, error) {
	msgs, err := h.messages.History(c.Request.Context(), conversationID, historyLimit)
	if err != nil {
		recordTurnError(feature, observability.ErrorCodeStorage)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return nil, err
	}

	out := make([]providers.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, providers.HistoryMessage{
			Role:    string(m.Sender),
			Content: m.Content,
		})
	}
	return out, nil
}

// relayResult carries the relay loop outcome into settling.
type relayResult struct {
	content string
	sources []datatypes.Source

	// err is a non-nil upstream failure. Client disconnects are not
	// errors; they show up on the monitor instead.
	err error
}

// relayStream pulls chunks until end of stream, disconnect, or
// upstream failure. Filtered text accumulates in memory; client
// writes are guarded by the liveness monitor.
func (h *TurnHandler) relayStream(
	monitor *LivenessMonitor,
	writer SSEWriter,
	provider providers.Provider,
	handle providers.StreamHandle,
	feature string,
	start time.Time,
) relayResult {
	filter := provider.NewFilter()
	var acc strings.Builder
	var citations *providers.CitationAccumulator
	if provider.Citations() {
		citations = providers.NewCitationAccumulator()
	}

	firstChunk := false
	var streamErr error

	for {
		chunk, err := handle.Recv(monitor.Context())
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if monitor.Context().Err() != nil {
				// Cancellation is a disconnect, not an upstream error.
				break
			}
			streamErr = err
			break
		}

		for _, src := range chunk.Citations {
			if citations == nil {
				continue
			}
			citations.Add(src)
			if monitor.Connected() {
				if werr := writer.WriteCitation(src); werr != nil {
					monitor.MarkDisconnected("write_failed")
				}
			}
		}

		text := filter.Filter(chunk.Text)
		if text == "" {
			continue
		}
		acc.WriteString(text)

		if !firstChunk {
			firstChunk = true
			if m := observability.DefaultMetrics; m != nil {
				m.RecordTimeToFirstChunk(feature, time.Since(start).Seconds())
			}
		}
		if m := observability.DefaultMetrics; m != nil {
			m.RecordChunk(feature)
		}

		if monitor.Connected() {
			if werr := writer.WriteChunk(text); werr != nil {
				monitor.MarkDisconnected("write_failed")
			}
		}
	}

	// Held-back text from a partial sentinel tag is literal content.
	if tail := filter.Flush(); tail != "" {
		acc.WriteString(tail)
		if monitor.Connected() {
			if werr := writer.WriteChunk(tail); werr != nil {
				monitor.MarkDisconnected("write_failed")
			}
		}
	}

	var sources []datatypes.Source
	if citations != nil {
		sources = citations.Sources()
	}
	return relayResult{content: acc.String(), sources: sources, err: streamErr}
}

// settle closes out the turn. The assistant row stays non-terminal on
// every path; only the client's finalize call commits it and debits.
func (h *TurnHandler) settle(
	c *gin.Context,
	span trace.Span,
	monitor *LivenessMonitor,
	writer SSEWriter,
	feature string,
	assistantMessageID string,
	relay relayResult,
) {
	// The provisional save backs the legacy truncate path and keeps
	// the buffer recoverable across every settle outcome. The request
	// context may already be dead, so persist under a fresh one.
	saveCtx := c.Request.Context()
	if saveCtx.Err() != nil {
		saveCtx = contextWithoutCancel(c)
	}
	if _, err := h.messages.ProvisionalSave(saveCtx, assistantMessageID, relay.content, relay.sources); err != nil {
		span.RecordError(err)
		slog.Error("provisional save failed",
			"message_id", assistantMessageID,
			"error", err,
		)
	}

	switch {
	case relay.err != nil:
		span.RecordError(relay.err)
		span.SetStatus(codes.Error, "upstream stream failed")
		recordTurnError(feature, observability.ErrorCodeProvider)
		slog.Error("upstream stream failed",
			"feature", feature,
			"message_id", assistantMessageID,
			"error", relay.err,
		)
		if monitor.Connected() {
			if werr := writer.WriteError("generation failed, partial content saved"); werr != nil {
				monitor.MarkDisconnected("write_failed")
			}
		}

	case !monitor.Connected():
		span.SetAttributes(attribute.String("turn.disconnect_reason", monitor.Reason()))
		recordTurnError(feature, observability.ErrorCodeClientDisconnect)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordClientDisconnect(feature)
		}
		slog.Info("client disconnected mid-stream",
			"feature", feature,
			"message_id", assistantMessageID,
			"reason", monitor.Reason(),
			"buffered_bytes", len(relay.content),
		)

	default:
		if err := writer.WriteDone(relay.content, relay.sources); err != nil {
			monitor.MarkDisconnected("write_failed")
		}
		span.SetStatus(codes.Ok, "turn completed")
	}
}

// runHeartbeat sends keepalive comments until the turn ends or the
// client goes away.
func (h *TurnHandler) runHeartbeat(
	monitor *LivenessMonitor,
	writer SSEWriter,
	feature string,
	done <-chan struct{},
) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-monitor.Context().Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				monitor.MarkDisconnected("write_failed")
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(feature)
			}
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

// writeTypedError maps ledger and store sentinel errors to HTTP
// statuses. Unknown errors become 500s with a generic body.
func writeTypedError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, datatypes.ErrInsufficientCredits):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	case errors.Is(err, datatypes.ErrFeatureDisabled),
		errors.Is(err, datatypes.ErrSubscriptionRequired):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, datatypes.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, datatypes.ErrNotAssistantMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func recordTurnError(feature string, code observability.ErrorCode) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(feature, code)
	}
}

// contextWithoutCancel detaches persistence from a dead request
// context while keeping its trace metadata.
func contextWithoutCancel(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}
