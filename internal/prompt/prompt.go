// Package prompt assembles the user prompt for one agent turn from
// composable sections. Every section is a pure function of the Context;
// empty outputs are dropped and the rest joined with blank lines in a fixed
// canonical order.
package prompt

import (
	"fmt"
	"strings"

	"github.com/agentworker/agentworker/internal/team"
)

// Turn is one conversation message injected into the thread section.
type Turn struct {
	Role    string
	Content string
}

// Context carries everything the sections may draw on. Zero values switch
// their sections off.
type Context struct {
	AgentName    string
	ProjectBrief string

	Inbox         []team.InboxItem
	Thread        []Turn
	RecentChannel []team.Message

	DocumentPath string
	Document     string

	Attempt     int
	MaxAttempts int
	LastError   string

	ToolNames []string

	WorkflowName string
	Tag          string
	Teammates    []string

	ExitGuidance bool
}

// Section renders one prompt block, or "" to be skipped.
type Section func(*Context) string

// sections is the canonical order. The instructions section is the single
// place that enumerates tool names.
var sections = []Section{
	projectSection,
	inboxSection,
	threadSection,
	activitySection,
	documentSection,
	retrySection,
	instructionsSection,
	workflowSection,
	exitSection,
}

// Assemble renders all non-empty sections joined with blank lines.
func Assemble(ctx *Context) string {
	var parts []string
	for _, s := range sections {
		if out := s(ctx); out != "" {
			parts = append(parts, out)
		}
	}
	return strings.Join(parts, "\n\n")
}

func projectSection(ctx *Context) string {
	if ctx.ProjectBrief == "" {
		return ""
	}
	return "## Project\n\n" + strings.TrimSpace(ctx.ProjectBrief)
}

func inboxSection(ctx *Context) string {
	if len(ctx.Inbox) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Inbox\n\nNew messages for you:\n")
	for _, item := range ctx.Inbox {
		fmt.Fprintf(&b, "- [%s] from %s: %s", item.Priority, item.From, item.Content)
		if item.To != "" {
			b.WriteString(" (direct message)")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func threadSection(ctx *Context) string {
	if len(ctx.Thread) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Your recent conversation\n\n")
	for _, turn := range ctx.Thread {
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func activitySection(ctx *Context) string {
	if len(ctx.RecentChannel) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Recent team activity\n\n")
	for _, m := range ctx.RecentChannel {
		fmt.Fprintf(&b, "[%s] %s\n", m.From, m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func documentSection(ctx *Context) string {
	if ctx.Document == "" {
		return ""
	}
	path := ctx.DocumentPath
	if path == "" {
		path = team.DefaultDocument
	}
	return fmt.Sprintf("## Team document (%s)\n\n%s", path, strings.TrimSpace(ctx.Document))
}

func retrySection(ctx *Context) string {
	if ctx.Attempt <= 1 {
		return ""
	}
	return fmt.Sprintf("## Retry notice\n\nThis is attempt %d of %d. The previous attempt failed: %s",
		ctx.Attempt, ctx.MaxAttempts, ctx.LastError)
}

func instructionsSection(ctx *Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Instructions\n\nYou are %s. Handle the inbox above and reply with your result.", ctx.AgentName)
	if len(ctx.ToolNames) > 0 {
		fmt.Fprintf(&b, "\nCollaboration tools available to you: %s.", strings.Join(ctx.ToolNames, ", "))
		b.WriteString("\nUse channel_send to talk to teammates; mention them as @name.")
	}
	return b.String()
}

func workflowSection(ctx *Context) string {
	if ctx.WorkflowName == "" {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Workflow\n\nYou are part of workflow %q", ctx.WorkflowName)
	if ctx.Tag != "" {
		fmt.Fprintf(&b, " (tag %s)", ctx.Tag)
	}
	if len(ctx.Teammates) > 0 {
		fmt.Fprintf(&b, " together with: %s", strings.Join(ctx.Teammates, ", "))
	}
	b.WriteString(".")
	return b.String()
}

func exitSection(ctx *Context) string {
	if !ctx.ExitGuidance {
		return ""
	}
	return "## Wrapping up\n\nWhen your part is done, reply with a final summary and do not mention " +
		"other agents unless you need something from them. The workflow ends once everyone is idle."
}
