package main

import (
	"context"
	"fmt"
	"os"

	"github.com/wilbur182/forge-agent/pkg/config"
	"github.com/wilbur182/forge-agent/pkg/registry"
	"github.com/wilbur182/forge-agent/pkg/transport"
	"github.com/wilbur182/forge-agent/pkg/transport/anthropic"
	"github.com/wilbur182/forge-agent/pkg/transport/codex"
	"github.com/wilbur182/forge-agent/pkg/transport/gemini"
	"github.com/wilbur182/forge-agent/pkg/transport/openai"
)

// builtinProviders is the compiled-in catalog pkg/registry.New seeds every
// run with, generalizing the teacher's single hardcoded Gemini model list
// (gemini.New(ctx, apiKey).List(ctx)) into the multi-provider set spec.md
// §6.4's --provider/--model/--list-models flags imply. Overridden or
// extended by an optional models.json via registry.Apply.
func builtinProviders() map[string]registry.Provider {
	return map[string]registry.Provider{
		"anthropic": {
			BaseURL:   "https://api.anthropic.com",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			API:       "messages",
			Models: []registry.Model{
				{ID: "claude-opus-4", Name: "Claude Opus 4", Reasoning: true, ContextWindow: 200000, MaxTokens: 32000},
				{ID: "claude-sonnet-4", Name: "Claude Sonnet 4", Reasoning: true, ContextWindow: 200000, MaxTokens: 64000},
			},
		},
		"openai": {
			BaseURL:   "https://api.openai.com/v1",
			APIKeyEnv: "OPENAI_API_KEY",
			API:       "responses",
			Models: []registry.Model{
				{ID: "gpt-5", Name: "GPT-5", Reasoning: true, ContextWindow: 400000, MaxTokens: 128000},
				{ID: "gpt-5-mini", Name: "GPT-5 Mini", Reasoning: true, ContextWindow: 400000, MaxTokens: 128000},
			},
		},
		"codex": {
			BaseURL:   "https://api.openai.com/v1",
			APIKeyEnv: "OPENAI_API_KEY",
			API:       "responses",
			Models: []registry.Model{
				{ID: "codex-mini-latest", Name: "Codex Mini", Reasoning: true, ContextWindow: 200000, MaxTokens: 64000},
			},
		},
		"gemini": {
			BaseURL:   "https://generativelanguage.googleapis.com",
			APIKeyEnv: "GEMINI_API_KEY",
			API:       "generateContent",
			Models: []registry.Model{
				{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", Reasoning: true, ContextWindow: 1048576, MaxTokens: 65536},
				{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", ContextWindow: 1048576, MaxTokens: 65536},
			},
		},
	}
}

// resolveAPIKey finds provider's credential, preferring an explicit
// --api-key flag, then auth.json, then the provider's configured
// environment variable (spec.md §6.1's Auth file / Models file apiKey-env).
func resolveAPIKey(provider string, p registry.Provider, auth config.AuthFile, flagKey string) (string, error) {
	if flagKey != "" {
		return flagKey, nil
	}
	if entry, ok := auth[provider]; ok {
		switch entry.Type {
		case config.AuthTypeAPIKey:
			if entry.Key != "" {
				return entry.Key, nil
			}
		case config.AuthTypeOAuth:
			if entry.Access != "" {
				return entry.Access, nil
			}
		}
	}
	if p.APIKeyEnv != "" {
		if v := os.Getenv(p.APIKeyEnv); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("no credentials found for provider %q (set --api-key, auth.json, or %s)", provider, p.APIKeyEnv)
}

// newStreamer constructs the transport.Streamer for provider, grounded on
// each pkg/transport/<provider>.New constructor; the switch itself is new
// (the teacher only ever constructs gemini.New directly) since forge must
// pick an adapter at runtime from --provider.
func newStreamer(ctx context.Context, provider string, p registry.Provider, apiKey string) (transport.Streamer, error) {
	switch provider {
	case "anthropic":
		return anthropic.New(anthropic.Config{APIKey: apiKey, BaseURL: p.BaseURL})
	case "openai":
		return openai.New(openai.Config{APIKey: apiKey, BaseURL: p.BaseURL})
	case "codex":
		return codex.New(codex.Config{APIKey: apiKey, BaseURL: p.BaseURL})
	case "gemini":
		return gemini.New(ctx, gemini.Config{APIKey: apiKey})
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}
