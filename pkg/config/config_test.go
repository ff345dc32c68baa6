package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSettings_MissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := LoadSettings(filepath.Join(dir, "settings.json"))
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	want := DefaultSettings()
	if s.Theme != want.Theme || s.Compaction != want.Compaction || s.ThinkingLevel != want.ThinkingLevel {
		t.Fatalf("s = %+v, want defaults %+v", s, want)
	}
}

func TestSaveSettings_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")

	want := DefaultSettings()
	want.Theme = "light"
	want.Compaction.ReserveTokens = 8192
	want.ExtensionPaths = []string{"/opt/ext-a", "/opt/ext-b"}

	if err := SaveSettings(path, want); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	got, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if got.Theme != want.Theme || got.Compaction.ReserveTokens != want.Compaction.ReserveTokens {
		t.Fatalf("got = %+v, want %+v", got, want)
	}
	if len(got.ExtensionPaths) != 2 || got.ExtensionPaths[1] != "/opt/ext-b" {
		t.Fatalf("ExtensionPaths = %v, want [/opt/ext-a /opt/ext-b]", got.ExtensionPaths)
	}
}

func TestSaveSettings_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	if err := SaveSettings(path, DefaultSettings()); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "settings.json" {
		t.Fatalf("dir entries = %v, want exactly settings.json", entries)
	}
}

func TestLoadAuth_MissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadAuth(filepath.Join(dir, "auth.json"))
	if err != nil {
		t.Fatalf("LoadAuth: %v", err)
	}
	if len(a) != 0 {
		t.Fatalf("a = %+v, want empty", a)
	}
}

func TestSaveAuth_RoundTripsAndRestrictsPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.json")

	expires := int64(1893456000000)
	want := AuthFile{
		"anthropic": {Type: AuthTypeAPIKey, Key: "sk-ant-test"},
		"openai":    {Type: AuthTypeOAuth, Access: "access-tok", Refresh: "refresh-tok", Expires: &expires},
	}
	if err := SaveAuth(path, want); err != nil {
		t.Fatalf("SaveAuth: %v", err)
	}

	got, err := LoadAuth(path)
	if err != nil {
		t.Fatalf("LoadAuth: %v", err)
	}
	if got["anthropic"].Key != "sk-ant-test" {
		t.Fatalf("anthropic entry = %+v", got["anthropic"])
	}
	if got["openai"].Access != "access-tok" || got["openai"].Expires == nil || *got["openai"].Expires != expires {
		t.Fatalf("openai entry = %+v", got["openai"])
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("perm = %o, want 0600", perm)
	}
}

func TestLoadDotEnv_MissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	if err := LoadDotEnv(filepath.Join(dir, "nope.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
}

func TestLoadDotEnv_OverridesExistingEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("FORGE_TEST_KEY=from-dotenv\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("FORGE_TEST_KEY", "from-shell")
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("FORGE_TEST_KEY"); got != "from-dotenv" {
		t.Fatalf("FORGE_TEST_KEY = %q, want %q", got, "from-dotenv")
	}
}
