// ABOUTME: Renders gateway events as colored terminal lines
// ABOUTME: Heartbeats are dropped and tool payloads are truncated

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/biznet-io/coday/internal/events"
)

var (
	speakerColor = color.New(color.FgCyan, color.Bold)
	dimColor     = color.New(color.FgHiBlack)
	toolColor    = color.New(color.FgYellow)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
)

func render(w io.Writer, e events.Event) {
	switch e.Type {
	case events.TypeHeartbeat:
	case events.TypeText:
		speakerColor.Fprintf(w, "%s: ", e.Speaker)
		fmt.Fprintln(w, e.Content)
	case events.TypeThinking:
		dimColor.Fprintf(w, "[%s is thinking]\n", e.Speaker)
	case events.TypeToolRequest:
		toolColor.Fprintf(w, "[tool] %s %s\n", e.ToolName, truncate(string(e.Args), 80))
	case events.TypeToolResponse:
		dimColor.Fprintf(w, "[result] %s\n", truncate(oneLine(e.Output), 100))
	case events.TypeWarn:
		warnColor.Fprintf(w, "[warn] %s\n", e.Content)
	case events.TypeError:
		errorColor.Fprintf(w, "[error] %s\n", e.Content)
	case events.TypeInvite, events.TypeChoice:
		fmt.Fprintf(w, "? %s\n", e.Content)
		for i, opt := range e.Options {
			fmt.Fprintf(w, "  %d. %s\n", i+1, opt)
		}
	case events.TypeDone:
		dimColor.Fprintf(w, "[done %s]\n\n", e.ThreadID)
	default:
		if e.Content != "" {
			fmt.Fprintf(w, "[%s] %s\n", e.Type, e.Content)
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
