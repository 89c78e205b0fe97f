package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ediblackk/mylm-sub001/internal/backoff"
)

type stubProvider struct {
	calls     int
	responses []func() (<-chan *CompletionChunk, error)
}

func (s *stubProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx]()
}
func (s *stubProvider) Name() string           { return "stub" }
func (s *stubProvider) Models() []Model        { return nil }
func (s *stubProvider) SupportsTools() bool    { return true }

func chunkStream(chunks ...*CompletionChunk) (<-chan *CompletionChunk, error) {
	ch := make(chan *CompletionChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func TestRateLimitedClient_Chat_Success(t *testing.T) {
	provider := &stubProvider{responses: []func() (<-chan *CompletionChunk, error){
		func() (<-chan *CompletionChunk, error) {
			return chunkStream(&CompletionChunk{Text: "hello "}, &CompletionChunk{Text: "world", Done: true, InputTokens: 10, OutputTokens: 2})
		},
	}}

	client := NewRateLimitedClient(RateLimitedClientConfig{Provider: provider, Backoff: backoff.BackoffPolicy{InitialMs: 1, MaxMs: 1, Factor: 1, Jitter: 0}})
	result, err := client.Chat(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "hello world", result.Text)
	assert.Equal(t, 10, result.Usage.Prompt)
	assert.Equal(t, 2, result.Usage.Completion)
}

func TestRateLimitedClient_Chat_RetriesOnRateLimit(t *testing.T) {
	provider := &stubProvider{responses: []func() (<-chan *CompletionChunk, error){
		func() (<-chan *CompletionChunk, error) {
			return nil, errors.New("429 too many requests")
		},
		func() (<-chan *CompletionChunk, error) {
			return chunkStream(&CompletionChunk{Text: "ok", Done: true})
		},
	}}

	client := NewRateLimitedClient(RateLimitedClientConfig{Provider: provider, Backoff: backoff.BackoffPolicy{InitialMs: 1, MaxMs: 1, Factor: 1, Jitter: 0}})
	result, err := client.Chat(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, 2, provider.calls)
}

func TestRateLimitedClient_Chat_NonRetryableFailsImmediately(t *testing.T) {
	provider := &stubProvider{responses: []func() (<-chan *CompletionChunk, error){
		func() (<-chan *CompletionChunk, error) {
			return nil, errors.New("invalid api key")
		},
	}}

	client := NewRateLimitedClient(RateLimitedClientConfig{Provider: provider, Backoff: backoff.BackoffPolicy{InitialMs: 1, MaxMs: 1, Factor: 1, Jitter: 0}})
	_, err := client.Chat(context.Background(), &CompletionRequest{})
	require.Error(t, err)
	assert.Equal(t, 1, provider.calls)
}

func TestRateLimitedClient_Chat_RefusesOversizedContext(t *testing.T) {
	provider := &stubProvider{responses: []func() (<-chan *CompletionChunk, error){
		func() (<-chan *CompletionChunk, error) { return chunkStream(&CompletionChunk{Done: true}) },
	}}

	dumped := ""
	client := NewRateLimitedClient(RateLimitedClientConfig{
		Provider:         provider,
		MaxContextTokens: 5,
		DumpContext:      func(req *CompletionRequest) string { dumped = "/tmp/dump.json"; return dumped },
	})

	req := &CompletionRequest{Messages: []CompletionMessage{{Role: "user", Content: "this message is long enough to exceed the tiny token ceiling"}}}
	_, err := client.Chat(context.Background(), req)
	require.Error(t, err)
	var tooLarge *ContextTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, "/tmp/dump.json", tooLarge.DumpPath)
	assert.Equal(t, 0, provider.calls)
}

type rateLimitErr struct{ retryAfter time.Duration }

func (e rateLimitErr) Error() string              { return "rate limited" }
func (e rateLimitErr) RetryAfter() time.Duration { return e.retryAfter }

func TestRateLimitedClient_Chat_HonorsRetryAfter(t *testing.T) {
	provider := &stubProvider{responses: []func() (<-chan *CompletionChunk, error){
		func() (<-chan *CompletionChunk, error) { return nil, rateLimitErr{retryAfter: 5 * time.Millisecond} },
		func() (<-chan *CompletionChunk, error) { return chunkStream(&CompletionChunk{Text: "ok", Done: true}) },
	}}

	client := NewRateLimitedClient(RateLimitedClientConfig{Provider: provider})
	start := time.Now()
	result, err := client.Chat(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestEstimateRequestTokens(t *testing.T) {
	req := &CompletionRequest{Messages: []CompletionMessage{{Content: "abcdef"}}}
	assert.Equal(t, 6/3+1, EstimateRequestTokens(req))
}
