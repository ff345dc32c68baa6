// Package config reads and writes two of the JSON files spec.md §6.1
// describes: settings.json (per-session defaults) and auth.json (provider
// credentials). The optional models.json is read by pkg/registry, not here.
// Grounded on the teacher's own JSON-file style — pkg/store/jsonl hand-
// rolls its Header/Agent structs with encoding/json rather than a config
// library, and this package follows suit — plus intelligencedev-manifold's
// internal/tools/filetool.writeFileAtomic for the write-temp-then-rename
// pattern (the teacher never needed atomic writes; here a crash mid-write
// must never corrupt a config file).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// SteeringMode controls how queued follow-up user messages are delivered
// to an in-flight turn, per spec.md §6.1.
type SteeringMode string

const (
	SteeringAll        SteeringMode = "all"
	SteeringOneAtATime SteeringMode = "one-at-a-time"
)

// ThinkingLevel is the reasoning-effort dial spec.md §6.1/§6.4 exposes.
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingXHigh   ThinkingLevel = "xhigh"
)

// DoubleEscapeAction is what pressing Escape twice in quick succession does
// in cmd/forge, per spec.md §6.1.
type DoubleEscapeAction string

const (
	DoubleEscapeTree   DoubleEscapeAction = "tree"
	DoubleEscapeBranch DoubleEscapeAction = "branch"
)

// CompactionSettings mirrors compaction.Settings' JSON shape so settings.json
// round-trips directly into it without a separate conversion step.
type CompactionSettings struct {
	Enabled          bool `json:"enabled"`
	ReserveTokens    int  `json:"reserveTokens"`
	KeepRecentTokens int  `json:"keepRecentTokens"`
}

// Settings is settings.json's shape, spec.md §6.1 verbatim.
type Settings struct {
	Compaction         CompactionSettings `json:"compaction"`
	Theme              string             `json:"theme,omitempty"`
	ShowImages         bool               `json:"showImages"`
	HideThinkingBlock  bool               `json:"hideThinkingBlock"`
	SteeringMode       SteeringMode       `json:"steeringMode,omitempty"`
	FollowUpMode       SteeringMode       `json:"followUpMode,omitempty"`
	ThinkingLevel      ThinkingLevel      `json:"thinkingLevel,omitempty"`
	DefaultModel       string             `json:"defaultModel,omitempty"`
	DefaultProvider    string             `json:"defaultProvider,omitempty"`
	ExtensionPaths     []string           `json:"extensionPaths,omitempty"`
	SkillFilters       []string           `json:"skillFilters,omitempty"`
	DoubleEscapeAction DoubleEscapeAction `json:"doubleEscapeAction,omitempty"`
}

// DefaultSettings are the values a fresh settings.json is written with.
func DefaultSettings() Settings {
	return Settings{
		Compaction: CompactionSettings{
			Enabled:          true,
			ReserveTokens:    16384,
			KeepRecentTokens: 20000,
		},
		Theme:              "dark",
		ShowImages:         true,
		SteeringMode:       SteeringAll,
		FollowUpMode:       SteeringAll,
		ThinkingLevel:      ThinkingMedium,
		DoubleEscapeAction: DoubleEscapeTree,
	}
}

// LoadSettings reads path, returning DefaultSettings() if the file doesn't
// exist yet (a fresh install has no settings.json).
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return s, nil
}

// SaveSettings writes s to path atomically.
func SaveSettings(path string, s Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling settings: %w", err)
	}
	return writeAtomic(path, data)
}

// AuthEntry is one provider's credentials in auth.json, spec.md §6.1
// verbatim: either an api-key entry or an oauth entry sharing one struct
// (mirroring the teacher's preference for one hand-rolled struct over a
// tagged union — unused fields are simply omitted from the JSON).
type AuthEntry struct {
	Type             string         `json:"type"`
	Key              string         `json:"key,omitempty"`
	Access           string         `json:"access,omitempty"`
	Refresh          string         `json:"refresh,omitempty"`
	Expires          *int64         `json:"expires,omitempty"`
	ProviderSpecific map[string]any `json:"provider-specific,omitempty"`
}

const (
	AuthTypeAPIKey = "api-key"
	AuthTypeOAuth  = "oauth"
)

// AuthFile is auth.json's top-level shape: provider name to credentials.
type AuthFile map[string]AuthEntry

// LoadAuth reads path, returning an empty AuthFile if it doesn't exist.
func LoadAuth(path string) (AuthFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return AuthFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var a AuthFile
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return a, nil
}

// SaveAuth writes a to path atomically with 0600 permissions (auth.json
// holds live credentials, unlike settings.json or models.json).
func SaveAuth(path string, a AuthFile) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling auth: %w", err)
	}
	return writeAtomicMode(path, data, 0600)
}

// writeAtomic writes data to path via a temp file in the same directory
// followed by os.Rename, so a crash mid-write never leaves path truncated
// or partially written. Ported from intelligencedev-manifold's
// writeFileAtomic.
func writeAtomic(path string, data []byte) error {
	return writeAtomicMode(path, data, 0644)
}

func writeAtomicMode(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".forge-config-*")
	if err != nil {
		return fmt.Errorf("config: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: writing temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("config: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("config: renaming temp file into place: %w", err)
	}
	return nil
}

// LoadDotEnv loads a .env file into the process environment (Overload
// semantics: values in the file win over ones already set), mirroring
// intelligencedev-manifold's config.Load — cmd/forge calls this once at
// startup so API keys can live in a local .env instead of the shell. A
// missing file is not an error; only malformed content is.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Overload(path); err != nil {
		return fmt.Errorf("config: loading %s: %w", path, err)
	}
	return nil
}
