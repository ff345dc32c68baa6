package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/wilbur182/forge-agent/pkg/message"
	"github.com/wilbur182/forge-agent/pkg/store"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)
)

// renderEntries flattens a session's linear entry list into the scrollback
// text cmd/forge's viewport shows, grounded on the teacher's reloadMessages
// (role-prefixed lines, glamour-rendered text blocks, bracketed tool-call/
// result summaries), generalized from the teacher's single-text-block
// assumption onto message.Message's full block set and onto the non-message
// entry kinds (compaction/branch summaries, bash executions) this module
// adds to the session graph.
func renderEntries(entries []store.Entry, renderer *glamour.TermRenderer) string {
	var sb strings.Builder
	for _, e := range entries {
		switch e.Type {
		case store.EntryTypeMessage:
			if e.Message != nil {
				renderMessage(&sb, *e.Message, renderer)
			}
		case store.EntryTypeCompaction:
			if e.Compaction != nil {
				sb.WriteString(dimStyle.Render("[compacted] "))
				sb.WriteString(e.Compaction.Summary)
				sb.WriteString("\n\n")
			}
		case store.EntryTypeBranchSummary:
			if e.BranchSummary != nil {
				sb.WriteString(dimStyle.Render("[branch] "))
				sb.WriteString(e.BranchSummary.Summary)
				sb.WriteString("\n\n")
			}
		}
	}
	return sb.String()
}

func renderMessage(sb *strings.Builder, msg message.Message, renderer *glamour.TermRenderer) {
	switch msg.Kind {
	case message.KindUser:
		sb.WriteString(userStyle.Render("User:"))
		sb.WriteString("\n")
		for _, b := range msg.UserBlocks {
			if b.Text != nil {
				sb.WriteString(renderMarkdown(b.Text.Text, renderer))
			}
		}
		sb.WriteString("\n")

	case message.KindAssistant:
		sb.WriteString(assistantStyle.Render("Assistant:"))
		sb.WriteString("\n")
		for _, b := range msg.AssistantBlocks {
			switch {
			case b.Text != nil:
				sb.WriteString(renderMarkdown(b.Text.Text, renderer))
			case b.Thinking != nil:
				sb.WriteString(dimStyle.Render("[thinking] " + b.Thinking.Thinking))
				sb.WriteString("\n")
			case b.ToolCall != nil:
				sb.WriteString(fmt.Sprintf("[tool call: %s]\n", b.ToolCall.Name))
			}
		}
		if msg.ErrorMessage != "" {
			sb.WriteString(errorStyle.Render("error: " + msg.ErrorMessage))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")

	case message.KindToolResult:
		status := "result"
		if msg.IsError {
			status = "error"
		}
		sb.WriteString(dimStyle.Render(fmt.Sprintf("[tool %s: %s]", status, msg.ToolCallID)))
		sb.WriteString("\n")
		sb.WriteString(msg.ResultText)
		sb.WriteString("\n\n")

	case message.KindBashExecution:
		sb.WriteString(dimStyle.Render("$ " + msg.Command))
		sb.WriteString("\n")
		sb.WriteString(msg.Output)
		sb.WriteString("\n\n")

	case message.KindHookMessage:
		sb.WriteString(dimStyle.Render("[hook] " + msg.HookText))
		sb.WriteString("\n\n")

	case message.KindCustom, message.KindBranchSummary, message.KindCompactionSummary:
		if msg.Summary != "" {
			sb.WriteString(dimStyle.Render("[" + string(msg.Kind) + "] " + msg.Summary))
			sb.WriteString("\n\n")
		}
	}
}

// renderMarkdown renders text through renderer, falling back to the raw
// string if renderer is nil or rendering fails — the teacher's own
// fallback-on-error behavior in reloadMessages.
func renderMarkdown(text string, renderer *glamour.TermRenderer) string {
	if renderer == nil {
		return text + "\n"
	}
	out, err := renderer.Render(text)
	if err != nil {
		return text + "\n"
	}
	return out
}
