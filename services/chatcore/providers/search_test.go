package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSearchServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchProvider_StreamsTokensAndCitations(t *testing.T) {
	srv := newSearchServer(t,
		`{"type":"token","text":"Hello "}`,
		`{"type":"citation","title":"Guidelines","url":"https://example.org/g","score":0.9}`,
		`{"type":"token","text":"world"}`,
		`{"type":"done"}`,
	)

	p := NewSearch(Config{SearchURL: srv.URL})
	handle, err := p.StartGeneration(context.Background(), Request{ModelID: "m", UserText: "q"})
	require.NoError(t, err)
	defer handle.Close()

	ctx := context.Background()

	chunk, err := handle.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hello ", chunk.Text)

	chunk, err = handle.Recv(ctx)
	require.NoError(t, err)
	require.Len(t, chunk.Citations, 1)
	assert.Equal(t, "https://example.org/g", chunk.Citations[0].URL)
	assert.Equal(t, 0.9, chunk.Citations[0].Score)

	chunk, err = handle.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "world", chunk.Text)

	_, err = handle.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSearchProvider_DoneSentinel(t *testing.T) {
	srv := newSearchServer(t,
		`{"type":"token","text":"x"}`,
		`[DONE]`,
	)

	p := NewSearch(Config{SearchURL: srv.URL})
	handle, err := p.StartGeneration(context.Background(), Request{UserText: "q"})
	require.NoError(t, err)
	defer handle.Close()

	_, err = handle.Recv(context.Background())
	require.NoError(t, err)
	_, err = handle.Recv(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestSearchProvider_UpstreamError(t *testing.T) {
	srv := newSearchServer(t, `{"type":"error","error":"rate limited"}`)

	p := NewSearch(Config{SearchURL: srv.URL})
	handle, err := p.StartGeneration(context.Background(), Request{UserText: "q"})
	require.NoError(t, err)
	defer handle.Close()

	_, err = handle.Recv(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestSearchProvider_NonOKStatusFailsBeforeFirstChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	p := NewSearch(Config{SearchURL: srv.URL})
	_, err := p.StartGeneration(context.Background(), Request{UserText: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestSearchProvider_RecvHonorsCancellation(t *testing.T) {
	srv := newSearchServer(t, `{"type":"token","text":"x"}`)

	p := NewSearch(Config{SearchURL: srv.URL})
	handle, err := p.StartGeneration(context.Background(), Request{UserText: "q"})
	require.NoError(t, err)
	defer handle.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = handle.Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewProvider_ClosedVariantSet(t *testing.T) {
	_, err := New("direct", Config{})
	assert.NoError(t, err)
	_, err = New("search", Config{})
	assert.NoError(t, err)
	_, err = New("websocket", Config{})
	assert.Error(t, err)
}
