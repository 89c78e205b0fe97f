package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ediblackk/mylm-sub001/internal/backoff"
	"github.com/ediblackk/mylm-sub001/internal/jobs"
	"github.com/ediblackk/mylm-sub001/internal/ratelimit"
	"github.com/ediblackk/mylm-sub001/pkg/models"
)

// MaxLLMCallAttempts bounds how many times RateLimitedClient retries one
// logical call before giving up and returning the last error.
const MaxLLMCallAttempts = 5

// charsPerTokenEstimate matches models.EstimateTokenCount's divisor so the
// client's pre-flight check and the context manager's accounting agree.
const charsPerTokenEstimate = 4

// RateLimitError lets a provider report an HTTP 429 with a server-supplied
// Retry-After duration. RateLimitedClient prefers this over its own
// computed backoff whenever a provider error satisfies this interface.
type RateLimitError interface {
	error
	RetryAfter() time.Duration
}

// ContextTooLargeError is returned by RateLimitedClient.Chat without ever
// calling the provider, when the pre-flight token estimate exceeds the
// configured ceiling.
type ContextTooLargeError struct {
	Estimated int
	Limit     int
	DumpPath  string
}

func (e *ContextTooLargeError) Error() string {
	return fmt.Sprintf("context too large: estimated %d tokens exceeds limit %d (dumped to %s)", e.Estimated, e.Limit, e.DumpPath)
}

// ChatResult is the accumulated outcome of one LLM call: the full text,
// any tool calls requested, and token usage.
type ChatResult struct {
	Text      string
	ToolCalls []models.ToolCall
	Usage     models.Usage
}

// RateLimitedClientConfig configures one RateLimitedClient.
type RateLimitedClientConfig struct {
	Provider LLMProvider

	// BaseURL identifies the upstream endpoint for rate-limit keying.
	BaseURL string

	// IsWorker marks every call from this client as belonging to a spawned
	// worker rather than the main loop; it both selects the worker rate
	// limiter class and gates whether usage feeds a job's metrics.
	IsWorker bool

	// MaxContextTokens is the pre-flight ceiling; 0 disables the check.
	MaxContextTokens int

	Limiter *ratelimit.MultiLimiter
	Backoff backoff.BackoffPolicy

	// DumpContext persists a refused oversized request somewhere the
	// operator can inspect (e.g. a temp file) and returns its path.
	DumpContext func(req *CompletionRequest) string
}

// RateLimitedClient wraps an LLMProvider with pre-flight size checks, a
// class-specific rate limiter keyed by (base_url, is_worker), and retry
// with exponential backoff respecting Retry-After on 429s.
type RateLimitedClient struct {
	cfg RateLimitedClientConfig
	key string
}

// NewRateLimitedClient builds a client. Backoff defaults to
// backoff.DefaultPolicy if the zero value is passed.
func NewRateLimitedClient(cfg RateLimitedClientConfig) *RateLimitedClient {
	if cfg.Backoff == (backoff.BackoffPolicy{}) {
		cfg.Backoff = backoff.DefaultPolicy()
	}
	workerFlag := "main"
	if cfg.IsWorker {
		workerFlag = "worker"
	}
	return &RateLimitedClient{
		cfg: cfg,
		key: ratelimit.CompositeKey(cfg.BaseURL, workerFlag),
	}
}

// EstimateRequestTokens approximates token usage as the spec's pre-flight
// formula: sum(content.len/3)+1 per message, to stay conservative ahead of
// the model's own tokenizer.
func EstimateRequestTokens(req *CompletionRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content)/3 + 1
	}
	return total
}

// Chat performs one blocking completion call, draining the provider's
// streaming chunks into a single ChatResult, retrying on rate limits and
// transient errors.
func (c *RateLimitedClient) Chat(ctx context.Context, req *CompletionRequest) (*ChatResult, error) {
	if c.cfg.MaxContextTokens > 0 {
		estimated := EstimateRequestTokens(req)
		if estimated > c.cfg.MaxContextTokens {
			path := ""
			if c.cfg.DumpContext != nil {
				path = c.cfg.DumpContext(req)
			}
			return nil, &ContextTooLargeError{Estimated: estimated, Limit: c.cfg.MaxContextTokens, DumpPath: path}
		}
	}

	var lastErr error
	for attempt := 1; attempt <= MaxLLMCallAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if c.cfg.Limiter != nil {
			if wait := c.cfg.Limiter.WaitTime(c.key); wait > 0 {
				if err := sleepOrCancel(ctx, wait); err != nil {
					return nil, err
				}
			}
			c.cfg.Limiter.Allow(c.key)
		}

		result, err := c.callOnce(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !c.isRetryable(err) {
			return nil, err
		}

		wait := c.retryDelay(err, attempt)
		if err := sleepOrCancel(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("llm call failed after %d attempts: %w", MaxLLMCallAttempts, lastErr)
}

func (c *RateLimitedClient) callOnce(ctx context.Context, req *CompletionRequest) (*ChatResult, error) {
	chunks, err := c.cfg.Provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &ChatResult{}
	var textBuilder strings.Builder
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		if chunk.Text != "" {
			textBuilder.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			result.ToolCalls = append(result.ToolCalls, *chunk.ToolCall)
		}
		if chunk.InputTokens > 0 || chunk.OutputTokens > 0 {
			result.Usage = models.NewUsage(result.Usage.Prompt+chunk.InputTokens, result.Usage.Completion+chunk.OutputTokens)
		}
		if chunk.Done {
			break
		}
	}
	result.Text = textBuilder.String()
	return result, nil
}

func (c *RateLimitedClient) isRetryable(err error) bool {
	var rle RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate_limit"), strings.Contains(msg, "too many requests"):
		return true
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "504"),
		strings.Contains(msg, "internal server error"), strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "service unavailable"), strings.Contains(msg, "gateway timeout"):
		return true
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"), strings.Contains(msg, "eof"):
		return true
	default:
		return false
	}
}

func (c *RateLimitedClient) retryDelay(err error, attempt int) time.Duration {
	var rle RateLimitError
	if errors.As(err, &rle) {
		if d := rle.RetryAfter(); d > 0 {
			return d
		}
	}
	return backoff.ComputeBackoff(c.cfg.Backoff, attempt)
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RecordUsageToJob feeds a call's usage into a worker job's metrics. The
// step engine calls this only when the client that made the call was
// constructed with IsWorker true.
func (c *RateLimitedClient) RecordUsageToJob(registry *jobs.Registry, jobID string, usage models.Usage) error {
	if !c.cfg.IsWorker || registry == nil || jobID == "" {
		return nil
	}
	return registry.UpdateMetrics(jobID, usage)
}

// Complete implements protocol.RecoveryLLM and context.CondenseLLM: a
// single blocking text-in, text-out call built on top of Chat.
func (c *RateLimitedClient) Complete(ctx context.Context, prompt string) (string, error) {
	req := &CompletionRequest{
		Messages: []CompletionMessage{{Role: "user", Content: prompt}},
	}
	result, err := c.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}
