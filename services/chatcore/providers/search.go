package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/datatypes"
)

// SearchProvider streams from a search-augmented backend that emits
// token and citation events over SSE. The upstream may interleave a
// sentinel-delimited reasoning segment into the token text, so
// NewFilter returns a stateful scanner rather than a passthrough.
//
// The SSE client is hand rolled: the completion-style client libraries
// have no citation payloads in their stream types.
type SearchProvider struct {
	url    string
	client *http.Client
}

var _ Provider = (*SearchProvider)(nil)

func NewSearch(cfg Config) *SearchProvider {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			ResponseHeaderTimeout: cfg.HTTPTimeout,
			IdleConnTimeout:       90 * time.Second,
		}}
	}
	return &SearchProvider{url: cfg.SearchURL, client: client}
}

func (p *SearchProvider) Name() string           { return ProviderSearch }
func (p *SearchProvider) Citations() bool        { return true }
func (p *SearchProvider) NewFilter() ChunkFilter { return NewSentinelScanner() }

// searchRequest is the upstream request body.
type searchRequest struct {
	Model   string          `json:"model"`
	System  string          `json:"system,omitempty"`
	History []searchMessage `json:"history,omitempty"`
	Query   string          `json:"query"`
	Stream  bool            `json:"stream"`
}

type searchMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// searchEvent is one upstream SSE payload.
type searchEvent struct {
	Type  string  `json:"type"`
	Text  string  `json:"text,omitempty"`
	Title string  `json:"title,omitempty"`
	URL   string  `json:"url,omitempty"`
	Score float64 `json:"score,omitempty"`
	Error string  `json:"error,omitempty"`
}

func (p *SearchProvider) StartGeneration(ctx context.Context, req Request) (StreamHandle, error) {
	if p.url == "" {
		return nil, fmt.Errorf("search provider: endpoint not configured")
	}

	body := searchRequest{
		Model:  req.ModelID,
		System: req.SystemPrompt,
		Query:  req.UserText,
		Stream: true,
	}
	for _, h := range req.History {
		body.History = append(body.History, searchMessage{Role: h.Role, Content: h.Content})
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search backend: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("search backend status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return &searchHandle{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
	}, nil
}

type searchHandle struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (h *searchHandle) Recv(ctx context.Context) (Chunk, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Chunk{}, err
		}
		if !h.scanner.Scan() {
			if err := h.scanner.Err(); err != nil {
				return Chunk{}, fmt.Errorf("read search stream: %w", err)
			}
			return Chunk{}, io.EOF
		}

		line := strings.TrimSpace(h.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "[DONE]" {
			return Chunk{}, io.EOF
		}

		var ev searchEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return Chunk{}, fmt.Errorf("decode search event: %w", err)
		}

		switch ev.Type {
		case "token":
			return Chunk{Text: ev.Text}, nil
		case "citation":
			return Chunk{Citations: []datatypes.Source{{
				Title: ev.Title,
				URL:   ev.URL,
				Score: ev.Score,
			}}}, nil
		case "done":
			return Chunk{}, io.EOF
		case "error":
			return Chunk{}, fmt.Errorf("search backend error: %s", ev.Error)
		default:
			// Unknown event types are skipped so upstream additions do
			// not break old deployments.
			continue
		}
	}
}

func (h *searchHandle) Close() error {
	return h.body.Close()
}
