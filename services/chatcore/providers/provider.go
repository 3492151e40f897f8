package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Caprice123/medpalm-mediko-id-sub005/services/chatcore/datatypes"
)

// Chunk is one relayed unit from an upstream stream. Text may be empty
// on chunks that only carry citations.
type Chunk struct {
	Text      string
	Citations []datatypes.Source
}

// StreamHandle is a lazy, finite, non-restartable chunk sequence.
// Recv returns io.EOF on normal end of stream. After ctx cancellation
// the handle stops pulling upstream within one chunk interval.
type StreamHandle interface {
	Recv(ctx context.Context) (Chunk, error)
	Close() error
}

// HistoryMessage is one prior turn passed back upstream as context.
type HistoryMessage struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request describes one generation turn.
type Request struct {
	ModelID      string
	SystemPrompt string
	History      []HistoryMessage
	UserText     string
}

// ChunkFilter transforms relayed text before it reaches the client and
// the accumulator. Stateful; one instance per turn.
type ChunkFilter interface {
	Filter(text string) string
	// Flush returns any held-back text once the stream ends.
	Flush() string
}

// Provider adapts one upstream generation backend.
type Provider interface {
	Name() string

	// StartGeneration opens a stream. Errors returned here surface as
	// normal HTTP errors; no rows exist yet.
	StartGeneration(ctx context.Context, req Request) (StreamHandle, error)

	// NewFilter returns a fresh per-turn content filter.
	NewFilter() ChunkFilter

	// Citations reports whether this variant can emit citation chunks.
	Citations() bool
}

// Config carries upstream connection settings shared by all variants.
type Config struct {
	// APIKey authenticates the direct-generation backend.
	APIKey string

	// BaseURL overrides the direct backend endpoint. Empty uses the
	// upstream default.
	BaseURL string

	// SearchURL is the search-augmented backend's streaming endpoint.
	SearchURL string

	// HTTPTimeout bounds connection establishment, not stream length.
	HTTPTimeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

const (
	ProviderDirect = "direct"
	ProviderSearch = "search"
)

// New builds a provider for the given variant key. The set is closed;
// feature config validation guards the key upstream, this is the
// backstop.
func New(kind string, cfg Config) (Provider, error) {
	switch kind {
	case ProviderDirect:
		return NewDirect(cfg), nil
	case ProviderSearch:
		return NewSearch(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider variant %q", kind)
	}
}

// passthroughFilter is the direct-generation no-op filter.
type passthroughFilter struct{}

func (passthroughFilter) Filter(text string) string { return text }
func (passthroughFilter) Flush() string             { return "" }
