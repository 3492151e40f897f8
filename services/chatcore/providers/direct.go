package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// DirectProvider streams completions from an OpenAI-compatible
// backend. Text only; no citation channel.
type DirectProvider struct {
	client *openai.Client
}

var _ Provider = (*DirectProvider)(nil)

func NewDirect(cfg Config) *DirectProvider {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	} else if cfg.HTTPTimeout > 0 {
		// Timeout covers dialing and headers. Stream reads are bounded
		// by the request context instead.
		oc.HTTPClient = &http.Client{Timeout: 0, Transport: &http.Transport{
			ResponseHeaderTimeout: cfg.HTTPTimeout,
			IdleConnTimeout:       90 * time.Second,
		}}
	}
	return &DirectProvider{client: openai.NewClientWithConfig(oc)}
}

func (p *DirectProvider) Name() string           { return ProviderDirect }
func (p *DirectProvider) Citations() bool        { return false }
func (p *DirectProvider) NewFilter() ChunkFilter { return passthroughFilter{} }

func (p *DirectProvider) StartGeneration(ctx context.Context, req Request) (StreamHandle, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, h := range req.History {
		role := openai.ChatMessageRoleUser
		if h.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: h.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserText,
	})

	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    req.ModelID,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("open completion stream: %w", err)
	}
	return &directHandle{stream: stream}, nil
}

type directHandle struct {
	stream *openai.ChatCompletionStream
}

func (h *directHandle) Recv(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}

	// Upstream Recv honors the context the stream was opened with;
	// the check above covers per-call cancellation between reads.
	resp, err := h.stream.Recv()
	if err != nil {
		return Chunk{}, err
	}
	if len(resp.Choices) == 0 {
		return Chunk{}, nil
	}
	return Chunk{Text: resp.Choices[0].Delta.Content}, nil
}

func (h *directHandle) Close() error {
	return h.stream.Close()
}
