// Package compaction implements spec.md §4.6's context-compaction engine:
// deciding when a session's context is too large, choosing a cut point that
// never splits a tool call from its result, summarizing the prefix being
// dropped through the same streaming transport every other turn uses, and
// splicing the result back into the session graph as a new Compaction
// entry. The cut-point/file-operations algorithm is ported near-verbatim
// from original_source/src/core/compaction.rs (find_valid_cut_points,
// find_cut_point, find_turn_start_index, extract_file_operations,
// compute_file_lists, format_file_operations); the default summarization
// prompt is adapted from operative/pkg/controller/compaction.go's dense-
// summary instructions (decisions, files touched, task state, preferences).
package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/wilbur182/forge-agent/pkg/message"
	"github.com/wilbur182/forge-agent/pkg/store"
	"github.com/wilbur182/forge-agent/pkg/transport"
)

// Settings controls whether and how aggressively a session compacts,
// matching spec.md §4.6's per-session settings exactly.
type Settings struct {
	Enabled          bool
	ReserveTokens    int
	KeepRecentTokens int
}

// DefaultSettings are spec.md's stated defaults.
var DefaultSettings = Settings{
	Enabled:          true,
	ReserveTokens:    16384,
	KeepRecentTokens: 20000,
}

// ShouldCompact reports whether a session with contextTokens of context
// already consumed, against a model window of window tokens, should
// compact now.
func ShouldCompact(contextTokens, window int, settings Settings) bool {
	if !settings.Enabled {
		return false
	}
	return contextTokens > window-settings.ReserveTokens
}

// ContextTokens returns usage.TotalTokens if the provider reported one,
// else the sum of its component counters, matching
// compaction.rs::calculate_context_tokens.
func ContextTokens(usage message.Usage) int {
	if usage.TotalTokens != nil {
		return *usage.TotalTokens
	}
	return usage.InputTokens + usage.OutputTokens + usage.CacheRead + usage.CacheWrite
}

// LastNonTerminalAssistantUsage scans entries from the leaf backwards for
// the most recent assistant message whose turn ended normally (not aborted
// or errored), matching compaction.rs::get_last_assistant_usage /
// get_assistant_usage exactly (both stop reasons are excluded, not just
// "aborted").
func LastNonTerminalAssistantUsage(entries []store.Entry) *message.Usage {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Type != store.EntryTypeMessage || e.Message == nil {
			continue
		}
		m := e.Message
		if m.Kind != message.KindAssistant {
			continue
		}
		if m.StopReason == message.StopReasonAborted || m.StopReason == message.StopReasonError {
			continue
		}
		if m.Usage != nil {
			return m.Usage
		}
		return &message.Usage{}
	}
	return nil
}

// FileOperations tracks which file paths a summarized prefix touched, by
// how, ported from compaction.rs's FileOperations (a HashSet triple).
type FileOperations struct {
	Read    map[string]bool
	Written map[string]bool
	Edited  map[string]bool
}

func newFileOperations() FileOperations {
	return FileOperations{Read: map[string]bool{}, Written: map[string]bool{}, Edited: map[string]bool{}}
}

// Preparation is the result of analyzing a session path for compaction,
// ported from compaction.rs's CompactionPreparation.
type Preparation struct {
	FirstKeptEntryID    string
	MessagesToSummarize []message.Message
	TurnPrefixMessages  []message.Message
	IsSplitTurn         bool
	TokensBefore        int
	PreviousSummary     string
	FileOps             FileOperations
	Settings            Settings
}

// isValidMessageCutKind reports whether a message.Kind may itself serve as
// a cut point, mirroring compaction.rs's AgentMessage match arm inside
// find_valid_cut_points (BashExecution | HookMessage | BranchSummary |
// CompactionSummary | User | Assistant). In this store, BranchSummary and
// CompactionSummary never arrive as EntryTypeMessage (they're their own
// entry types below), so only the remaining four apply here.
func isValidMessageCutKind(k message.Kind) bool {
	switch k {
	case message.KindUser, message.KindAssistant, message.KindBashExecution, message.KindHookMessage:
		return true
	default:
		return false
	}
}

// findValidCutPoints returns the indices within [start, end) that a cut may
// land on without splitting a tool call from its result or a custom
// message from its context, ported from find_valid_cut_points.
func findValidCutPoints(entries []store.Entry, start, end int) []int {
	var points []int
	for i := start; i < end && i < len(entries); i++ {
		switch entries[i].Type {
		case store.EntryTypeMessage:
			if entries[i].Message != nil && isValidMessageCutKind(entries[i].Message.Kind) {
				points = append(points, i)
			}
		case store.EntryTypeBranchSummary, store.EntryTypeCustomMessage:
			points = append(points, i)
		}
	}
	return points
}

// findTurnStartIndex walks backwards from entryIndex to find the nearest
// enclosing turn boundary (a User/BashExecution message, or a top-level
// BranchSummary/CustomMessage entry), ported from find_turn_start_index.
func findTurnStartIndex(entries []store.Entry, entryIndex, startIndex int) (int, bool) {
	for i := entryIndex; i >= startIndex; i-- {
		e := entries[i]
		switch e.Type {
		case store.EntryTypeBranchSummary, store.EntryTypeCustomMessage:
			return i, true
		case store.EntryTypeMessage:
			if e.Message != nil && (e.Message.Kind == message.KindUser || e.Message.Kind == message.KindBashExecution) {
				return i, true
			}
		}
	}
	return 0, false
}

type cutPointResult struct {
	firstKeptEntryIndex int
	turnStartIndex      int
	hasTurnStart        bool
	isSplitTurn         bool
}

// findCutPoint walks the boundary newest-to-oldest accumulating estimated
// tokens until keepRecentTokens is reached, then snaps forward to the
// smallest valid cut point at or after that position, ported from
// find_cut_point.
func findCutPoint(entries []store.Entry, start, end, keepRecentTokens int) cutPointResult {
	cutPoints := findValidCutPoints(entries, start, end)
	if len(cutPoints) == 0 {
		return cutPointResult{firstKeptEntryIndex: start}
	}

	accumulated := 0
	cutIndex := cutPoints[0]

	for i := end - 1; i >= start; i-- {
		e := entries[i]
		if e.Type != store.EntryTypeMessage || e.Message == nil {
			continue
		}
		accumulated += message.EstimateTokens(*e.Message)
		if accumulated >= keepRecentTokens {
			for _, cp := range cutPoints {
				if cp >= i {
					cutIndex = cp
					break
				}
			}
			break
		}
	}

	// Never cut immediately after a bookkeeping-only entry (ModelChange,
	// ThinkingLevel, Label, opaque Custom) — back up past it.
	for cutIndex > start {
		prev := entries[cutIndex-1]
		if prev.Type == store.EntryTypeCompaction || prev.Type == store.EntryTypeMessage {
			break
		}
		cutIndex--
	}

	cutEntry := entries[cutIndex]
	isUserMessage := cutEntry.Type == store.EntryTypeMessage && cutEntry.Message != nil && cutEntry.Message.Kind == message.KindUser

	result := cutPointResult{firstKeptEntryIndex: cutIndex}
	if !isUserMessage {
		if turnStart, ok := findTurnStartIndex(entries, cutIndex, start); ok {
			result.turnStartIndex = turnStart
			result.hasTurnStart = true
			result.isSplitTurn = true
		}
	}
	return result
}

// getMessageFromEntry projects a store.Entry onto the message.Message it
// contributes to an LLM view, matching jsonl's entriesToMessages for the
// entry kinds that can appear between two compactions (a raw Compaction
// entry never appears here; the boundary always starts just after one).
func getMessageFromEntry(e store.Entry) (message.Message, bool) {
	switch e.Type {
	case store.EntryTypeMessage:
		if e.Message != nil {
			return *e.Message, true
		}
	case store.EntryTypeCustomMessage:
		if e.CustomMessage != nil {
			return message.NewHookMessage(e.CustomMessage.UserContent), true
		}
	case store.EntryTypeBranchSummary:
		if e.BranchSummary != nil {
			return message.NewBranchSummaryMessage(e.BranchSummary.Summary), true
		}
	}
	return message.Message{}, false
}

// extractFileOpsFromMessage records the path argument of every read/write/
// edit tool call an assistant message made, ported from
// extract_file_ops_from_message.
func extractFileOpsFromMessage(m message.Message, ops *FileOperations) {
	if m.Kind != message.KindAssistant {
		return
	}
	for _, b := range m.AssistantBlocks {
		if b.ToolCall == nil {
			continue
		}
		path, ok := b.ToolCall.Arguments["path"].(string)
		if !ok {
			continue
		}
		switch b.ToolCall.Name {
		case "read":
			ops.Read[path] = true
		case "write":
			ops.Written[path] = true
		case "edit":
			ops.Edited[path] = true
		}
	}
}

// extractFileOperations unions the prior compaction's recorded file
// operations (unless it came from a hook) with whatever the messages being
// summarized now touch, ported from extract_file_operations.
func extractFileOperations(messages []message.Message, entries []store.Entry, prevCompactionIndex int) FileOperations {
	ops := newFileOperations()

	if prevCompactionIndex >= 0 && prevCompactionIndex < len(entries) {
		prev := entries[prevCompactionIndex]
		if prev.Type == store.EntryTypeCompaction && prev.Compaction != nil && !prev.Compaction.FromHook && prev.Compaction.Details != nil {
			for _, f := range prev.Compaction.Details.ReadFiles {
				ops.Read[f] = true
			}
			for _, f := range prev.Compaction.Details.ModifiedFiles {
				ops.Edited[f] = true
			}
		}
	}

	for _, m := range messages {
		extractFileOpsFromMessage(m, &ops)
	}
	return ops
}

// ComputeFileLists reduces FileOperations to the two sorted lists a
// Compaction entry's Details records: files read but never modified, and
// every modified (written or edited) file, ported from
// compute_file_lists.
func ComputeFileLists(ops FileOperations) (readFiles, modifiedFiles []string) {
	modified := make(map[string]bool, len(ops.Edited)+len(ops.Written))
	for f := range ops.Edited {
		modified[f] = true
	}
	for f := range ops.Written {
		modified[f] = true
	}
	for f := range ops.Read {
		if !modified[f] {
			readFiles = append(readFiles, f)
		}
	}
	for f := range modified {
		modifiedFiles = append(modifiedFiles, f)
	}
	sort.Strings(readFiles)
	sort.Strings(modifiedFiles)
	return readFiles, modifiedFiles
}

// FormatFileOperations renders the <read-files>/<modified-files> block
// appended to a compaction summary's display text, ported from
// format_file_operations.
func FormatFileOperations(readFiles, modifiedFiles []string) string {
	var sections []string
	if len(readFiles) > 0 {
		sections = append(sections, fmt.Sprintf("<read-files>\n%s\n</read-files>", strings.Join(readFiles, "\n")))
	}
	if len(modifiedFiles) > 0 {
		sections = append(sections, fmt.Sprintf("<modified-files>\n%s\n</modified-files>", strings.Join(modifiedFiles, "\n")))
	}
	if len(sections) == 0 {
		return ""
	}
	return "\n\n" + strings.Join(sections, "\n\n")
}

// Prepare analyzes pathEntries (the full root-to-leaf path, as returned by
// store.Session.GetBranch) and produces the plan for a compaction pass, or
// ok=false if the path is already headed by a Compaction entry (the
// idempotence rule in spec.md §4.6).
func Prepare(pathEntries []store.Entry, settings Settings) (prep *Preparation, ok bool) {
	if len(pathEntries) > 0 && pathEntries[len(pathEntries)-1].Type == store.EntryTypeCompaction {
		return nil, false
	}

	prevCompactionIndex := -1
	for i := len(pathEntries) - 1; i >= 0; i-- {
		if pathEntries[i].Type == store.EntryTypeCompaction {
			prevCompactionIndex = i
			break
		}
	}

	boundaryStart := prevCompactionIndex + 1
	boundaryEnd := len(pathEntries)

	tokensBefore := 0
	if usage := LastNonTerminalAssistantUsage(pathEntries); usage != nil {
		tokensBefore = ContextTokens(*usage)
	}

	cut := findCutPoint(pathEntries, boundaryStart, boundaryEnd, settings.KeepRecentTokens)
	if cut.firstKeptEntryIndex >= len(pathEntries) {
		return nil, false
	}
	firstKeptEntry := pathEntries[cut.firstKeptEntryIndex]
	if firstKeptEntry.ID == "" {
		return nil, false
	}

	historyEnd := cut.firstKeptEntryIndex
	if cut.isSplitTurn {
		historyEnd = cut.turnStartIndex
	}

	var messagesToSummarize []message.Message
	for _, e := range pathEntries[boundaryStart:historyEnd] {
		if m, ok := getMessageFromEntry(e); ok {
			messagesToSummarize = append(messagesToSummarize, m)
		}
	}

	var turnPrefixMessages []message.Message
	if cut.isSplitTurn {
		for _, e := range pathEntries[cut.turnStartIndex:cut.firstKeptEntryIndex] {
			if m, ok := getMessageFromEntry(e); ok {
				turnPrefixMessages = append(turnPrefixMessages, m)
			}
		}
	}

	previousSummary := ""
	if prevCompactionIndex >= 0 {
		if c := pathEntries[prevCompactionIndex].Compaction; c != nil {
			previousSummary = c.Summary
		}
	}

	fileOps := extractFileOperations(messagesToSummarize, pathEntries, prevCompactionIndex)
	if cut.isSplitTurn {
		for _, m := range turnPrefixMessages {
			extractFileOpsFromMessage(m, &fileOps)
		}
	}

	return &Preparation{
		FirstKeptEntryID:    firstKeptEntry.ID,
		MessagesToSummarize: messagesToSummarize,
		TurnPrefixMessages:  turnPrefixMessages,
		IsSplitTurn:         cut.isSplitTurn,
		TokensBefore:        tokensBefore,
		PreviousSummary:     previousSummary,
		FileOps:             fileOps,
		Settings:            settings,
	}, true
}

// DefaultCompactionPrompt is the instructions appended to a summarization
// request when the caller supplies none, adapted from
// operative/pkg/controller/compaction.go's dense-summary prompt (renamed
// away from "stream"/"operative" wording to match this session's own
// vocabulary).
const DefaultCompactionPrompt = `Summarize the conversation above so it can replace these messages in future turns.
Preserve:
- decisions made and why
- files created, read, or modified, and what changed in them
- the current state of any task still in progress
- instructions or preferences the user expressed

Write a dense, faithful summary. It will stand in for every message above it.`

// BuildSummarizationRequest assembles the temporary LLM context spec.md
// §4.6 describes: the previous summary (if any) as an assistant turn, the
// messages being summarized through convertToLLM, a terminal user message
// carrying the compaction instructions, and — for a split turn — the
// turn-prefix messages so the model can situate the summary within its
// unfinished turn.
func BuildSummarizationRequest(prep *Preparation, systemPrompt, customInstructions string, convertToLLM func([]message.Message) []message.Message) transport.Context {
	if convertToLLM == nil {
		convertToLLM = message.ToLLMView
	}
	instructions := customInstructions
	if instructions == "" {
		instructions = DefaultCompactionPrompt
	}

	var messages []message.Message
	if prep.PreviousSummary != "" {
		messages = append(messages, message.NewAssistantMessage("", message.StopReasonStop,
			message.Block{Text: &message.TextBlock{Text: prep.PreviousSummary}}))
	}
	messages = append(messages, convertToLLM(prep.MessagesToSummarize)...)
	messages = append(messages, message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: instructions}}))
	if prep.IsSplitTurn {
		messages = append(messages, convertToLLM(prep.TurnPrefixMessages)...)
	}

	return transport.Context{SystemPrompt: systemPrompt, Messages: messages}
}

// Replacement lets a CompactionHook.Before skip the LLM summarization call
// entirely by supplying its own summary, per spec.md §4.6.
type Replacement struct {
	Summary          string
	FirstKeptEntryID string
	TokensBefore     int
}

// CompactionHook observes (and may alter) a compaction pass, matching
// spec.md §4.6's before/after hook contract.
type CompactionHook interface {
	// Before runs before the summarization call. Returning cancel=true
	// aborts the whole compaction (the caller sees ErrCompactionCancelled).
	// Returning a non-nil replacement skips the LLM call and splices that
	// summary in directly.
	Before(ctx context.Context, prep *Preparation) (replacement *Replacement, cancel bool, err error)

	// After runs once the new Compaction entry has been appended.
	After(ctx context.Context, prep *Preparation, entry store.Entry) error
}

var (
	// ErrNothingToCompact is returned when the session's leaf is already a
	// Compaction entry (spec.md §4.6's idempotence rule) or the path is too
	// short to contain a meaningful cut point.
	ErrNothingToCompact = errors.New("compaction: nothing to compact")

	// ErrCompactionCancelled is returned when a CompactionHook.Before call
	// requests cancellation.
	ErrCompactionCancelled = errors.New("compaction: cancelled by hook")
)

// Engine drives one session's compaction passes.
type Engine struct {
	Session      store.Session
	Streamer     transport.Streamer
	Settings     Settings
	SystemPrompt string
	Model        string

	// ConvertToLLM reduces raw session messages to the LLM view, defaulting
	// to message.ToLLMView.
	ConvertToLLM func([]message.Message) []message.Message

	Hooks []CompactionHook
}

func (e *Engine) convertToLLM() func([]message.Message) []message.Message {
	if e.ConvertToLLM != nil {
		return e.ConvertToLLM
	}
	return message.ToLLMView
}

// ShouldCompact reports whether e's session currently needs compaction
// against a model context window of window tokens.
func (e *Engine) ShouldCompact(window int) bool {
	entries, err := e.Session.GetBranch(e.Session.LeafID())
	if err != nil {
		return false
	}
	tokens := 0
	if usage := LastNonTerminalAssistantUsage(entries); usage != nil {
		tokens = ContextTokens(*usage)
	}
	return ShouldCompact(tokens, window, e.Settings)
}

// Compact runs one compaction pass: prepare, run before-hooks, summarize
// (unless a hook supplied a replacement), splice the result into the
// session, run after-hooks.
func (e *Engine) Compact(ctx context.Context, customInstructions string) (store.Entry, error) {
	entries, err := e.Session.GetBranch(e.Session.LeafID())
	if err != nil {
		return store.Entry{}, fmt.Errorf("compaction: reading session path: %w", err)
	}

	prep, ok := Prepare(entries, e.Settings)
	if !ok {
		return store.Entry{}, ErrNothingToCompact
	}

	var replacement *Replacement
	fromHook := false
	for _, hook := range e.Hooks {
		repl, cancel, err := e.runBefore(ctx, hook, prep)
		if err != nil {
			slog.Error("compaction: before-hook failed, continuing with default behavior", "error", err)
			continue
		}
		if cancel {
			return store.Entry{}, ErrCompactionCancelled
		}
		if repl != nil {
			replacement = repl
			fromHook = true
		}
	}

	readFiles, modifiedFiles := ComputeFileLists(prep.FileOps)

	var summary string
	tokensBefore := prep.TokensBefore
	firstKeptEntryID := prep.FirstKeptEntryID
	if replacement != nil {
		summary = replacement.Summary
		if replacement.FirstKeptEntryID != "" {
			firstKeptEntryID = replacement.FirstKeptEntryID
		}
		if replacement.TokensBefore != 0 {
			tokensBefore = replacement.TokensBefore
		}
	} else {
		tctx := BuildSummarizationRequest(prep, e.SystemPrompt, customInstructions, e.convertToLLM())
		opts := transport.Options{Cancel: neverCancel}
		msg, err := e.Streamer.Stream(ctx, e.Model, tctx, opts, transport.NopSink{})
		if err != nil {
			return store.Entry{}, fmt.Errorf("compaction: summarization call: %w", err)
		}
		if msg.StopReason == message.StopReasonError {
			return store.Entry{}, fmt.Errorf("compaction: summarization call: %s", msg.ErrorMessage)
		}
		summary = assistantText(msg)
		if summary == "" {
			return store.Entry{}, errors.New("compaction: model returned an empty summary")
		}
	}

	summary += FormatFileOperations(readFiles, modifiedFiles)

	entry, err := e.Session.AppendCompaction(store.CompactionEntry{
		Summary:          summary,
		FirstKeptEntryID: firstKeptEntryID,
		TokensBefore:     tokensBefore,
		FromHook:         fromHook,
		Details:          &store.CompactionDetails{ReadFiles: readFiles, ModifiedFiles: modifiedFiles},
	})
	if err != nil {
		return store.Entry{}, fmt.Errorf("compaction: splicing entry: %w", err)
	}

	for _, hook := range e.Hooks {
		if err := hook.After(ctx, prep, entry); err != nil {
			slog.Error("compaction: after-hook failed", "error", err)
		}
	}

	return entry, nil
}

func (e *Engine) runBefore(ctx context.Context, hook CompactionHook, prep *Preparation) (repl *Replacement, cancel bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return hook.Before(ctx, prep)
}

// assistantText concatenates every text block of an assistant message, the
// summary's actual content.
func assistantText(m message.Message) string {
	var sb strings.Builder
	for _, b := range m.AssistantBlocks {
		if b.Text != nil {
			sb.WriteString(b.Text.Text)
		}
	}
	return sb.String()
}

// neverCancel is a Cancel channel that is never closed: a summarization
// call has no abort button of its own (unlike an ordinary turn, it isn't
// something a user watches stream in), so the only way to stop it is ctx
// itself, which every Streamer also honors directly.
var neverCancel = make(chan struct{})
