package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownBackend(t *testing.T) {
	var _, err = New(Config{Backend: "anthropic"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown LLM backend")
}

func TestCacheRoundTrip(t *testing.T) {
	var dummy = NewDummy(`{"steps": []}`)
	var provider, err = NewCachingProvider(dummy, t.TempDir())
	require.NoError(t, err)

	var req = Request{
		Model:       "gpt-4o-mini",
		Messages:    []Message{{Role: "user", Content: "plan this"}},
		Temperature: 0.1,
		JSONMode:    true,
	}
	var ctx = context.Background()

	first, err := provider.Chat(ctx, req)
	require.NoError(t, err)
	require.Equal(t, int64(1), dummy.Calls())

	// Identical request: served from disk, no provider call.
	second, err := provider.Chat(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int64(1), dummy.Calls())

	// Any change to model, messages, or options is a distinct key.
	var changed = req
	changed.Temperature = 0.7
	_, err = provider.Chat(ctx, changed)
	require.NoError(t, err)
	require.Equal(t, int64(2), dummy.Calls())

	changed = req
	changed.Model = "gpt-4o"
	_, err = provider.Chat(ctx, changed)
	require.NoError(t, err)
	require.Equal(t, int64(3), dummy.Calls())
}

func TestCachePersistsAcrossProviders(t *testing.T) {
	var dir = t.TempDir()
	var req = Request{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}}
	var ctx = context.Background()

	var first = NewDummy("reply one")
	provider, err := NewCachingProvider(first, dir)
	require.NoError(t, err)
	resp, err := provider.Chat(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "reply one", resp.Content)

	// A fresh process over the same directory sees the entry; its own
	// provider is never consulted.
	var second = NewDummy("reply two")
	provider, err = NewCachingProvider(second, dir)
	require.NoError(t, err)
	resp, err = provider.Chat(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "reply one", resp.Content)
	require.Equal(t, int64(0), second.Calls())
}

func TestDummyScriptDrainsThenRepeats(t *testing.T) {
	var dummy = NewDummy("a", "b")
	var ctx = context.Background()

	for _, want := range []string{"a", "b", "b"} {
		var resp, err = dummy.Chat(ctx, Request{})
		require.NoError(t, err)
		require.Equal(t, want, resp.Content)
	}
}
