// Command forge is the interactive terminal coding assistant's entrypoint:
// a Bubble Tea TUI in interactive mode, or a single-shot print mode for
// scripting, wiring pkg/session to whichever provider --provider/--model
// select. Grounded on the teacher's cmd/cli/main.go startup sequence
// (env/flag check -> logging -> model init -> manager init -> tea.Program),
// generalized from its single hardcoded Gemini model onto the multi-
// provider registry this module's spec requires.
//
// Usage:
//
//	export ANTHROPIC_API_KEY="..."
//	forge --provider anthropic --model claude-sonnet-4
//	forge -p "fix the failing test"
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/wilbur182/forge-agent/internal/sandbox"
	"github.com/wilbur182/forge-agent/internal/sandbox/docker"
	"github.com/wilbur182/forge-agent/internal/server"
	"github.com/wilbur182/forge-agent/pkg/agent"
	"github.com/wilbur182/forge-agent/pkg/compaction"
	"github.com/wilbur182/forge-agent/pkg/config"
	"github.com/wilbur182/forge-agent/pkg/message"
	"github.com/wilbur182/forge-agent/pkg/registry"
	"github.com/wilbur182/forge-agent/pkg/session"
	"github.com/wilbur182/forge-agent/pkg/store"
	"github.com/wilbur182/forge-agent/pkg/store/jsonl"
	"github.com/wilbur182/forge-agent/pkg/tools"
	"github.com/wilbur182/forge-agent/pkg/transport"
)

// cliFlags mirrors spec.md §6.4's flag surface. CLI flag parsing beyond
// what exercises the core is an explicit Non-goal (SPEC_FULL.md §1), so
// --skills/--no-skills/--extension are accepted and stored but not acted
// on (no skill/slash-command loader exists in this module, by that same
// Non-goal).
type cliFlags struct {
	provider           string
	model              string
	apiKey             string
	systemPrompt       string
	appendSystemPrompt string
	thinking           string
	mode               string
	cont               bool
	resume             bool
	noSession          bool
	sessionPath        string
	sessionDir         string
	print              bool
	export             string
	toolsCSV           string
	skillsCSV          string
	noSkills           bool
	extension          string
	listModels         string
	hasListModels      bool
}

func parseFlags(args []string) (cliFlags, []string) {
	fs := flag.NewFlagSet("forge", flag.ExitOnError)
	var f cliFlags

	fs.StringVar(&f.provider, "provider", "", "LLM provider (anthropic, openai, codex, gemini)")
	fs.StringVar(&f.model, "model", "", "model id, bare or provider-qualified")
	fs.StringVar(&f.apiKey, "api-key", "", "API key, overriding auth.json and the provider's env var")
	fs.StringVar(&f.systemPrompt, "system-prompt", "", "replace the default system prompt")
	fs.StringVar(&f.appendSystemPrompt, "append-system-prompt", "", "append to the default system prompt")
	fs.StringVar(&f.thinking, "thinking", "", "off|minimal|low|medium|high|xhigh")
	fs.StringVar(&f.mode, "mode", "text", "text|json|rpc")
	fs.BoolVar(&f.cont, "continue", false, "continue the most recent session")
	fs.BoolVar(&f.cont, "c", false, "continue the most recent session (shorthand)")
	fs.BoolVar(&f.resume, "resume", false, "resume a session by --session id")
	fs.BoolVar(&f.resume, "r", false, "resume a session by --session id (shorthand)")
	fs.BoolVar(&f.noSession, "no-session", false, "don't persist a session file")
	fs.StringVar(&f.sessionPath, "session", "", "session id to resume")
	fs.StringVar(&f.sessionDir, "session-dir", "./.forge", "directory holding sessions/agents")
	fs.BoolVar(&f.print, "print", false, "non-interactive: print the response and exit")
	fs.BoolVar(&f.print, "p", false, "non-interactive: print the response and exit (shorthand)")
	fs.StringVar(&f.export, "export", "", "export the final session transcript to this path on exit")
	fs.StringVar(&f.toolsCSV, "tools", "", "comma-separated allow-list of tool names (default: all)")
	fs.StringVar(&f.skillsCSV, "skills", "", "comma-separated skill filters (not loaded by this module)")
	fs.BoolVar(&f.noSkills, "no-skills", false, "disable skill loading (not loaded by this module)")
	fs.StringVar(&f.extension, "extension", "", "extension path (not loaded by this module)")
	fs.StringVar(&f.listModels, "list-models", "", "list known models, optionally filtered by pattern, and exit")

	fs.Parse(args)
	f.hasListModels = flagWasSet(fs, "list-models")
	return f, fs.Args()
}

// flagWasSet reports whether name was passed on the command line at all
// (vs. left at its zero value), since --list-models's argument is
// optional ("--list-models [pattern]" per spec.md §6.4).
func flagWasSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			found = true
		}
	})
	return found
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags, positional := parseFlags(args)

	if err := config.LoadDotEnv(""); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	settings, err := config.LoadSettings(filepath.Join(flags.sessionDir, "settings.json"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	auth, err := config.LoadAuth(filepath.Join(flags.sessionDir, "auth.json"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	modelsFile, err := registry.LoadFile(filepath.Join(flags.sessionDir, "models.json"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	reg := registry.New(builtinProviders())
	reg.Apply(modelsFile)

	if flags.hasListModels {
		printModelList(reg, strings.TrimSpace(flags.listModels))
		return 0
	}

	provider := flags.provider
	modelID := flags.model
	if modelID == "" {
		modelID = settings.DefaultModel
	}
	if provider == "" {
		provider = settings.DefaultProvider
	}
	if provider == "" && modelID != "" {
		if p, _, ok := reg.Resolve(modelID); ok {
			provider = p
		}
	}
	if provider == "" {
		fmt.Fprintln(os.Stderr, "error: no --provider given and no defaultProvider configured")
		return 1
	}
	p, ok := reg.Provider(provider)
	if !ok {
		fmt.Fprintf(os.Stderr, "error: unknown provider %q\n", provider)
		return 1
	}
	if modelID == "" && len(p.Models) > 0 {
		modelID = p.Models[0].ID
	}
	modelInfo, _ := reg.Model(provider, modelID)

	apiKey, err := resolveAPIKey(provider, p, auth, flags.apiKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	ctx := context.Background()
	streamer, err := newStreamer(ctx, provider, p, apiKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	toolsReg := buildToolsRegistry(flags.toolsCSV)

	sysPrompt := flags.systemPrompt
	if sysPrompt == "" {
		sysPrompt = defaultSystemPrompt
	}
	if flags.appendSystemPrompt != "" {
		sysPrompt = sysPrompt + "\n\n" + flags.appendSystemPrompt
	}

	contextWindow := modelInfo.ContextWindow
	if contextWindow == 0 {
		contextWindow = 128000
	}

	compSettings := compaction.Settings{
		Enabled:          settings.Compaction.Enabled,
		ReserveTokens:    settings.Compaction.ReserveTokens,
		KeepRecentTokens: settings.Compaction.KeepRecentTokens,
	}

	logPath := filepath.Join(flags.sessionDir, "forge.log")
	if err := os.MkdirAll(flags.sessionDir, 0755); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		defer logFile.Close()
		slog.SetDefault(slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelInfo})))
	}

	mgr, err := jsonl.NewManager(flags.sessionDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	if addr := os.Getenv("FORGE_INSPECT_ADDR"); addr != "" {
		inspectSrv := server.New(mgr)
		go func() {
			if err := inspectSrv.Start(addr); err != nil && err != http.ErrServerClosed {
				slog.Error("session inspection server stopped", "error", err)
			}
		}()
		defer inspectSrv.Close()
	}

	if flags.print || flags.mode == "json" || flags.mode == "rpc" {
		return runNonInteractive(ctx, flags, positional, mgr, streamer, toolsReg, provider, modelID, sysPrompt, contextWindow, compSettings)
	}

	tuiM := newTUIModel(ctx, mgr, streamer, toolsReg, provider, modelID, sysPrompt, contextWindow, compSettings)
	p2 := tea.NewProgram(tuiM)
	if _, err := p2.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// defaultSystemPrompt is the system prompt used when no --system-prompt
// flag and no agent preset supply one.
const defaultSystemPrompt = "You are a helpful coding assistant running in a terminal."

func buildToolsRegistry(toolsCSV string) *tools.Registry {
	full := tools.DefaultRegistry()
	if toolsCSV == "" {
		return full
	}
	allow := make(map[string]bool)
	for _, name := range strings.Split(toolsCSV, ",") {
		if name = strings.TrimSpace(name); name != "" {
			allow[name] = true
		}
	}
	filtered := tools.NewRegistry()
	for _, t := range full.List() {
		if allow[t.Name()] {
			filtered.Register(t)
		}
	}
	return filtered
}

func printModelList(reg *registry.Registry, pattern string) {
	for _, ref := range reg.List() {
		if pattern != "" && !strings.Contains(ref.Model.ID, pattern) && !strings.Contains(ref.Model.Name, pattern) {
			continue
		}
		fmt.Printf("%s/%s  %s\n", ref.Provider, ref.Model.ID, ref.Model.Name)
	}
}

// runNonInteractive implements spec.md §6.4's --print/-p and --mode
// json|rpc surfaces: a single prompt built from positional arguments (an
// "@path" argument is read from disk as file content, per spec.md §6.4),
// run to completion, then printed either as plain text (mode=text) or as
// one JSON object per turn outcome (mode=json/rpc) — this module does not
// implement a full RPC wire protocol (spec.md scopes "CLI flag parsing
// beyond what's needed to exercise the core" as a Non-goal), so --mode rpc
// behaves identically to --mode json here.
func runNonInteractive(ctx context.Context, flags cliFlags, positional []string, mgr *jsonl.Manager, streamer transport.Streamer, toolsReg *tools.Registry, provider, modelID, sysPrompt string, contextWindow int, compSettings compaction.Settings) int {
	prompt, err := resolvePrompt(positional)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if prompt == "" {
		fmt.Fprintln(os.Stderr, "error: no prompt given (pass a message or @file argument)")
		return 1
	}

	sess, err := resolveSession(mgr, flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer sess.Close()

	if sandboxMgr, ok := maybeSandboxManager(); ok {
		defer sandboxMgr.Close()
		toolsReg.Register(&sandbox.BashTool{Manager: sandboxMgr, SessionID: sess.ID()})
	}

	as := session.New(sess, streamer, toolsReg, modelID, sysPrompt, ".", contextWindow, compSettings)
	reason, err := as.Prompt(ctx, message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: prompt}}))
	if err != nil {
		printResult(flags.mode, "", err)
		return 1
	}

	entries := sess.GetEntries()
	var lastText strings.Builder
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Type != store.EntryTypeMessage || e.Message == nil || e.Message.Kind != message.KindAssistant {
			continue
		}
		for _, b := range e.Message.AssistantBlocks {
			if b.Text != nil {
				lastText.WriteString(b.Text.Text)
			}
		}
		break
	}

	printResult(flags.mode, lastText.String(), nil)

	if flags.export != "" {
		if err := exportTranscript(sess, flags.export); err != nil {
			fmt.Fprintln(os.Stderr, "error exporting transcript:", err)
			return 1
		}
	}

	if reason == agent.FinishError || reason == agent.FinishContextOverflow {
		return 1
	}
	return 0
}

func printResult(mode, text string, err error) {
	if mode == "json" || mode == "rpc" {
		payload := map[string]any{"text": text}
		if err != nil {
			payload["error"] = err.Error()
		}
		data, _ := json.Marshal(payload)
		fmt.Println(string(data))
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	fmt.Println(text)
}

// resolvePrompt joins positional arguments into one prompt string,
// expanding any "@path" argument into the referenced file's contents per
// spec.md §6.4 ("Positional arguments starting with @ are file inputs").
func resolvePrompt(positional []string) (string, error) {
	var parts []string
	for _, arg := range positional {
		if strings.HasPrefix(arg, "@") {
			data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
			if err != nil {
				return "", fmt.Errorf("reading %s: %w", arg, err)
			}
			parts = append(parts, string(data))
			continue
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " "), nil
}

// resolveSession implements --continue/-c, --resume/-r + --session, and
// --no-session per spec.md §6.4: continue picks the most recently
// modified session, resume loads --session's id explicitly, and
// --no-session still allocates a session (pkg/store has no in-memory-only
// mode) but the caller is expected to discard the directory afterward —
// spec.md's "no-session" semantics (never persist) would need a second
// store.Session implementation this module does not add, since every
// other operation already assumes a persisted jsonl session; documented
// in DESIGN.md.
func resolveSession(mgr *jsonl.Manager, flags cliFlags) (store.Session, error) {
	switch {
	case flags.cont:
		return mgr.ContinueRecent()
	case flags.resume && flags.sessionPath != "":
		return mgr.LoadSession(flags.sessionPath)
	case flags.sessionPath != "":
		return mgr.LoadSession(flags.sessionPath)
	default:
		return mgr.NewSession("", "")
	}
}

// maybeSandboxManager constructs a Docker-backed internal/sandbox.Manager
// when FORGE_SANDBOX_IMAGE is set in the environment, letting a caller opt
// the bash tool into per-session container isolation instead of the
// default local os/exec. Only wired into --print/--mode mode for now
// (resolveSession has already picked the one session this process will
// run, so SessionID is known up front); the TUI builds one shared
// *tools.Registry before any session is chosen and currently keeps the
// local bash tool across session switches — see DESIGN.md.
func maybeSandboxManager() (sandbox.Manager, bool) {
	image := os.Getenv("FORGE_SANDBOX_IMAGE")
	if image == "" {
		return nil, false
	}
	mgr, err := docker.New(docker.Config{Image: image})
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning: sandbox requested but unavailable:", err)
		return nil, false
	}
	return mgr, true
}

// exportTranscript writes sess's full entry list to path as indented JSON,
// implementing spec.md §6.4's --export flag.
func exportTranscript(sess store.Session, path string) error {
	data, err := json.MarshalIndent(sess.GetEntries(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
