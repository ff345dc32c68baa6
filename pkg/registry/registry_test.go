package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func builtins() map[string]Provider {
	return map[string]Provider{
		"anthropic": {
			BaseURL: "https://api.anthropic.com",
			API:     "messages",
			Models: []Model{
				{ID: "claude-opus-4", Name: "Claude Opus 4", ContextWindow: 200000},
				{ID: "claude-sonnet-4", Name: "Claude Sonnet 4", ContextWindow: 200000},
			},
		},
		"openai": {
			BaseURL: "https://api.openai.com/v1",
			API:     "responses",
			Models: []Model{
				{ID: "gpt-5", Name: "GPT-5", ContextWindow: 400000},
			},
		},
	}
}

func TestApply_OverrideOnlyRewritesConnectionDetailsKeepsModels(t *testing.T) {
	r := New(builtins())
	r.Apply(File{Providers: map[string]Provider{
		"anthropic": {BaseURL: "https://proxy.internal/anthropic", Headers: map[string]string{"X-Proxy": "1"}},
	}})

	p, ok := r.Provider("anthropic")
	if !ok {
		t.Fatal("anthropic provider missing")
	}
	if p.BaseURL != "https://proxy.internal/anthropic" {
		t.Fatalf("BaseURL = %q, want override", p.BaseURL)
	}
	if p.Headers["X-Proxy"] != "1" {
		t.Fatalf("Headers = %v, want override header", p.Headers)
	}
	if len(p.Models) != 2 {
		t.Fatalf("Models = %v, want built-in models preserved", p.Models)
	}
}

func TestApply_ReplacementDropsBuiltinModels(t *testing.T) {
	r := New(builtins())
	r.Apply(File{Providers: map[string]Provider{
		"anthropic": {
			BaseURL: "https://api.anthropic.com",
			Models:  []Model{{ID: "custom-model", Name: "Custom"}},
		},
	}})

	p, _ := r.Provider("anthropic")
	if len(p.Models) != 1 || p.Models[0].ID != "custom-model" {
		t.Fatalf("Models = %+v, want exactly the replacement list", p.Models)
	}
}

func TestApply_UnknownProviderOverrideIsTakenAsIs(t *testing.T) {
	r := New(builtins())
	r.Apply(File{Providers: map[string]Provider{
		"local": {BaseURL: "http://localhost:11434"},
	}})

	p, ok := r.Provider("local")
	if !ok || p.BaseURL != "http://localhost:11434" {
		t.Fatalf("local provider = %+v, ok=%v", p, ok)
	}
}

func TestModel_FindsByProviderAndID(t *testing.T) {
	r := New(builtins())
	m, ok := r.Model("openai", "gpt-5")
	if !ok || m.Name != "GPT-5" {
		t.Fatalf("Model = %+v, ok=%v", m, ok)
	}

	if _, ok := r.Model("openai", "nonexistent"); ok {
		t.Fatal("expected ok=false for unknown model id")
	}
}

func TestResolve_FindsModelAcrossProviders(t *testing.T) {
	r := New(builtins())
	provider, m, ok := r.Resolve("claude-sonnet-4")
	if !ok || provider != "anthropic" || m.ContextWindow != 200000 {
		t.Fatalf("Resolve = (%q, %+v, %v)", provider, m, ok)
	}

	if _, _, ok := r.Resolve("nonexistent"); ok {
		t.Fatal("expected ok=false for unknown model id")
	}
}

func TestList_ReturnsEveryModelAcrossProviders(t *testing.T) {
	r := New(builtins())
	refs := r.List()
	if len(refs) != 3 {
		t.Fatalf("len(refs) = %d, want 3", len(refs))
	}
}

func TestLoadFile_MissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	f, err := LoadFile(filepath.Join(dir, "models.json"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(f.Providers) != 0 {
		t.Fatalf("Providers = %v, want empty", f.Providers)
	}
}

func TestLoadFile_ParsesOverrideAndReplacementShapes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json")
	contents := `{
		"providers": {
			"anthropic": { "baseUrl": "https://proxy/anthropic" },
			"local": {
				"baseUrl": "http://localhost:11434",
				"api": "chat",
				"models": [
					{ "id": "llama-70b", "name": "Llama 70B", "contextWindow": 8192, "maxTokens": 2048 }
				]
			}
		}
	}`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(f.Providers) != 2 {
		t.Fatalf("Providers = %v, want 2 entries", f.Providers)
	}
	if !f.Providers["anthropic"].isOverrideOnly() {
		t.Fatal("anthropic entry should be override-only (no models array)")
	}
	local := f.Providers["local"]
	if local.isOverrideOnly() {
		t.Fatal("local entry should be a replacement (has models array)")
	}
	if len(local.Models) != 1 || local.Models[0].ID != "llama-70b" {
		t.Fatalf("local.Models = %+v", local.Models)
	}
}

func TestApply_FromLoadedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json")
	contents := `{"providers": {"anthropic": {"baseUrl": "https://proxy/anthropic"}}}`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	r := New(builtins())
	r.Apply(f)

	p, _ := r.Provider("anthropic")
	if p.BaseURL != "https://proxy/anthropic" {
		t.Fatalf("BaseURL = %q, want proxy override", p.BaseURL)
	}
	if len(p.Models) != 2 {
		t.Fatalf("Models = %v, want built-ins preserved", p.Models)
	}
}
