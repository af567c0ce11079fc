package llm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"context-lab/internal/config"

	"go.uber.org/zap"
)

type backend struct {
	cfg    config.ProviderConfig
	client Generator
	// 构造失败（如缺少密钥）时记录下来，在 Validate 时同步返回给调用方
	err error
}

// Router dispatches requests to the configured provider backends by name.
type Router struct {
	backends map[string]backend
	timeout  time.Duration
	log      *zap.Logger
}

func NewRouter(ctx context.Context, cfg config.LLMConfig, log *zap.Logger) *Router {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	r := &Router{
		backends: make(map[string]backend, len(cfg.Providers)),
		timeout:  timeout,
		log:      log,
	}
	for name, pc := range cfg.Providers {
		b := backend{cfg: pc}
		switch pc.Kind {
		case "gemini":
			b.client, b.err = NewGeminiClient(ctx, pc.APIKey)
		case "openai", "":
			if pc.APIKey == "" && !pc.NoAuth {
				b.err = ErrMissingCredentials
			} else {
				b.client = NewOpenAIClient(pc.BaseURL, pc.APIKey, timeout)
			}
		default:
			b.err = fmt.Errorf("provider %s: unsupported kind %q", name, pc.Kind)
		}
		if b.err != nil {
			log.Warn("llm provider unavailable", zap.String("provider", name), zap.Error(b.err))
		}
		r.backends[name] = b
	}
	return r
}

// Register replaces (or adds) a provider backend.
func (r *Router) Register(name string, client Generator, defaultModel string) {
	r.backends[name] = backend{cfg: config.ProviderConfig{DefaultModel: defaultModel}, client: client}
}

// Validate 同步检查 provider 是否可用：未配置 -> ErrUnknownProvider，缺密钥 -> ErrMissingCredentials
func (r *Router) Validate(provider string) error {
	b, ok := r.backends[provider]
	if !ok {
		return fmt.Errorf("%s: %w", provider, ErrUnknownProvider)
	}
	if b.err != nil {
		return fmt.Errorf("%s: %w", provider, b.err)
	}
	return nil
}

func (r *Router) DefaultModel(provider string) string {
	return r.backends[provider].cfg.DefaultModel
}

// Providers configured provider names, sorted.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generate 调用对应 provider；未上报 usage 时按 ⌈字符数/4⌉ 估算
func (r *Router) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := r.Validate(req.Provider); err != nil {
		return nil, err
	}
	if req.Model == "" {
		req.Model = r.DefaultModel(req.Provider)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := r.backends[req.Provider].client.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", req.Provider, req.Model, err)
	}
	if resp.Latency == 0 {
		resp.Latency = time.Since(start)
	}
	if resp.TokensIn == 0 {
		resp.TokensIn = EstimateTokens(req.SystemPrompt) + EstimateTokens(req.UserPrompt)
	}
	if resp.TokensOut == 0 {
		resp.TokensOut = EstimateTokens(resp.Text)
	}
	r.log.Debug("llm call",
		zap.String("provider", req.Provider),
		zap.String("model", req.Model),
		zap.Int("tokens_in", resp.TokensIn),
		zap.Int("tokens_out", resp.TokensOut),
		zap.Duration("latency", resp.Latency),
	)
	return resp, nil
}
