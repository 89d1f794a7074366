// Package factory builds the configured LLM client with its middleware chain.
package factory

import (
	"fmt"

	"roomaker/pkg/config"
	"roomaker/pkg/limiter"
	"roomaker/pkg/llm"
	"roomaker/pkg/llm/middleware/cache"
	"roomaker/pkg/llm/middleware/circuit"
	llmmetrics "roomaker/pkg/llm/middleware/metrics"
	"roomaker/pkg/llm/middleware/retry"
	"roomaker/pkg/llm/middleware/timeout"
	"roomaker/pkg/llm/middleware/validation"
	"roomaker/pkg/llm/providers/anthropic"
	"roomaker/pkg/llm/providers/google"
	"roomaker/pkg/llm/providers/ollama"
	"roomaker/pkg/llm/providers/openai"
	"roomaker/pkg/logx"
	"roomaker/pkg/metrics"
)

// RawClientFunc creates the provider client at the bottom of the chain.
type RawClientFunc func(cfg *config.LLMConfig, apiKey string) (llm.LLMClient, error)

// LLMClientFactory creates LLM clients with properly configured middleware chains.
type LLMClientFactory struct {
	config   *config.Config
	recorder metrics.Recorder
	breaker  *circuit.Breaker
	cache    *cache.Cache
	limiter  *limiter.Limiter
	store    cache.Store
	newRaw   RawClientFunc
	logger   *logx.Logger
}

// Option customizes a factory.
type Option func(*LLMClientFactory)

// WithRawClient replaces provider client construction.
func WithRawClient(fn RawClientFunc) Option {
	return func(f *LLMClientFactory) { f.newRaw = fn }
}

// WithResponseStore backs the response cache with a persistent store. It has
// no effect when the cache is disabled.
func WithResponseStore(store cache.Store) Option {
	return func(f *LLMClientFactory) { f.store = store }
}

// NewLLMClientFactory creates a factory. A nil recorder disables metrics.
func NewLLMClientFactory(cfg *config.Config, recorder metrics.Recorder, opts ...Option) (*LLMClientFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}

	f := &LLMClientFactory{
		config:   cfg,
		recorder: recorder,
		breaker:  circuit.New(cfg.CircuitBreaker),
		limiter:  limiter.New(cfg.RateLimit),
		newRaw:   NewProviderClient,
		logger:   logx.NewLogger("llm-factory"),
	}
	for _, opt := range opts {
		opt(f)
	}

	if cfg.Cache.Enabled {
		c, err := cache.New(cfg.Cache.Size, recorder, f.store)
		if err != nil {
			return nil, fmt.Errorf("failed to create response cache: %w", err)
		}
		f.cache = c
	}

	return f, nil
}

// CreateClient resolves the API key and returns the provider client wrapped as
// cache -> metrics -> circuit breaker -> retry -> rate limit -> timeout -> empty-response check -> provider.
func (f *LLMClientFactory) CreateClient() (llm.LLMClient, error) {
	apiKey, err := config.GetAPIKey(f.config.LLM.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", f.config.LLM.Provider, err)
	}

	raw, err := f.newRaw(&f.config.LLM, apiKey)
	if err != nil {
		return nil, err
	}

	f.logger.Info("using %s model %s", f.config.LLM.Provider, raw.GetModelName())
	return f.Wrap(raw), nil
}

// Wrap applies the configured middleware chain to raw.
func (f *LLMClientFactory) Wrap(raw llm.LLMClient) llm.LLMClient {
	var cacheMiddleware llm.Middleware
	if f.cache != nil {
		cacheMiddleware = f.cache.Middleware()
	}

	retryPolicy := retry.NewPolicy(f.config.Retry, nil)
	onRetry := func(model string, err error) {
		f.recorder.ObserveRetry(model, llmmetrics.ErrorType(err))
	}

	return llm.Chain(raw,
		cacheMiddleware,
		llmmetrics.Middleware(f.recorder, nil, f.logger),
		circuit.Middleware(f.breaker),
		retry.Middleware(retryPolicy, onRetry),
		f.limiter.Middleware(),
		timeout.Middleware(f.config.LLM.RequestTimeout),
		validation.EmptyResponseMiddleware(),
	)
}

// BreakerState reports the shared circuit breaker state.
func (f *LLMClientFactory) BreakerState() circuit.State {
	return f.breaker.State()
}

// NewProviderClient creates the raw client for cfg.Provider.
func NewProviderClient(cfg *config.LLMConfig, apiKey string) (llm.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClientWithModel(apiKey, cfg.Model), nil
	case config.ProviderOpenAI:
		return openai.NewOfficialClientWithModel(apiKey, cfg.Model, cfg.BaseURL), nil
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(apiKey, cfg.Model), nil
	case config.ProviderOllama:
		return ollama.NewOllamaClientWithModel(cfg.OllamaHost(), cfg.Model), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// NewInvoker builds the pipeline's prompt invoker over a freshly created client.
func (f *LLMClientFactory) NewInvoker(opts ...llm.InvokerOption) (*llm.Invoker, error) {
	client, err := f.CreateClient()
	if err != nil {
		return nil, err
	}
	opts = append([]llm.InvokerOption{
		llm.WithMaxTokens(f.config.LLM.MaxTokens),
		llm.WithTemperature(float32(f.config.LLM.Temperature)),
		llm.WithSystemPrompt(f.config.LLM.SystemPrompt),
	}, opts...)
	return llm.NewInvoker(client, opts...), nil
}
