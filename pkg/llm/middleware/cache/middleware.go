// Package cache provides a response cache middleware for LLM clients: an
// in-memory LRU in front of an optional persistent store, so a re-run of the
// same idea with the same model reuses every stage response already paid for.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"roomaker/pkg/llm"
	"roomaker/pkg/logx"
	"roomaker/pkg/metrics"
)

// DefaultSize is the number of responses kept when no size is configured.
const DefaultSize = 256

// Lookup results reported to the metrics recorder.
const (
	ResultHit      = "hit"
	ResultStoreHit = "store_hit"
	ResultMiss     = "miss"
)

// Store persists responses across processes. persistence.Store implements it.
type Store interface {
	LoadResponse(ctx context.Context, key string) (string, bool, error)
	SaveResponse(ctx context.Context, key, model, content string) error
}

// Cache holds completed responses keyed by request fingerprint.
type Cache struct {
	entries  *lru.Cache[string, llm.CompletionResponse]
	store    Store
	recorder metrics.Recorder
	logger   *logx.Logger
}

// New creates a cache holding up to size responses in memory. A nil store
// keeps the cache in memory only.
func New(size int, recorder metrics.Recorder, store Store) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}
	entries, err := lru.New[string, llm.CompletionResponse](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}
	return &Cache{
		entries:  entries,
		store:    store,
		recorder: recorder,
		logger:   logx.NewLogger("cache"),
	}, nil
}

// Len reports the number of responses held in memory.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Key fingerprints a request for model. Identical prompts with identical
// sampling settings share a key.
func Key(model string, req llm.CompletionRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%.4f\x00", model, req.MaxTokens, req.Temperature)
	for i := range req.Messages {
		fmt.Fprintf(h, "%s\x00%s\x00", req.Messages[i].Role, req.Messages[i].Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Middleware serves repeated requests from memory, then from the store. Only
// successful non-blank responses are stored. Store errors degrade to a miss.
func (c *Cache) Middleware() llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				model := next.GetModelName()
				key := Key(model, req)
				if resp, ok := c.lookup(ctx, key); ok {
					return resp, nil
				}
				c.recorder.ObserveCache(ResultMiss)

				resp, err := next.Complete(ctx, req)
				if err == nil && strings.TrimSpace(resp.Content) != "" {
					c.save(ctx, key, model, resp)
				}
				return resp, err //nolint:wrapcheck // pass through unchanged
			},
			next.GetModelName,
		)
	}
}

func (c *Cache) lookup(ctx context.Context, key string) (llm.CompletionResponse, bool) {
	if resp, ok := c.entries.Get(key); ok {
		c.recorder.ObserveCache(ResultHit)
		return resp, true
	}
	if c.store == nil {
		return llm.CompletionResponse{}, false
	}

	content, found, err := c.store.LoadResponse(ctx, key)
	if err != nil {
		c.logger.Warn("response store lookup failed: %v", err)
		return llm.CompletionResponse{}, false
	}
	if !found || strings.TrimSpace(content) == "" {
		return llm.CompletionResponse{}, false
	}

	resp := llm.CompletionResponse{Content: content}
	c.entries.Add(key, resp)
	c.recorder.ObserveCache(ResultStoreHit)
	logx.Debug(ctx, "cache", "reused stored response for %s", llm.StageFromContext(ctx))
	return resp, true
}

func (c *Cache) save(ctx context.Context, key, model string, resp llm.CompletionResponse) {
	c.entries.Add(key, resp)
	if c.store == nil {
		return
	}
	if err := c.store.SaveResponse(ctx, key, model, resp.Content); err != nil {
		c.logger.Warn("failed to store response: %v", err)
	}
}
