package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	maxPromptLen          = 32 * 1024
	maxInstructionExcerpt = 4 * 1024
	maxCommentLen         = 2 * 1024
	maxComments           = 10
)

// instructionFiles are probed in order; the first one found is
// excerpted into the prompt so repo conventions reach every provider.
var instructionFiles = []string{
	"AGENTS.md",
	"CLAUDE.md",
	".github/copilot-instructions.md",
}

// TaskContext is the material a prompt is assembled from.
type TaskContext struct {
	Title       string
	Description string
	Comments    []Comment
	// FollowUp is the new input when resuming a conversation.
	FollowUp string
	// PriorSummary folds earlier progress in when a provider cannot
	// natively resume.
	PriorSummary string
}

// Comment is one task comment, oldest first.
type Comment struct {
	Author string
	Body   string
}

// BuildPrompt assembles the instruction text sent to a provider.
// The result is bounded; when the raw material exceeds the budget the
// middle is elided rather than the tail, since the newest context
// matters most.
func BuildPrompt(workdir string, tc TaskContext) string {
	var b strings.Builder

	b.WriteString("You are working on the following task in the repository checked out at the current directory.\n\n")
	b.WriteString("## Task: ")
	b.WriteString(tc.Title)
	b.WriteString("\n\n")
	if tc.Description != "" {
		b.WriteString(tc.Description)
		b.WriteString("\n\n")
	}

	if excerpt := instructionExcerpt(workdir); excerpt != "" {
		b.WriteString("## Repository instructions\n\n")
		b.WriteString(excerpt)
		b.WriteString("\n\n")
	}

	if tc.PriorSummary != "" {
		b.WriteString("## Earlier progress on this task\n\n")
		b.WriteString(truncate(tc.PriorSummary, maxCommentLen))
		b.WriteString("\n\n")
	}

	if comments := foldComments(tc.Comments); comments != "" {
		b.WriteString("## Recent discussion\n\n")
		b.WriteString(comments)
		b.WriteString("\n")
	}

	if tc.FollowUp != "" {
		b.WriteString("## New input\n\n")
		b.WriteString(tc.FollowUp)
		b.WriteString("\n")
	}

	b.WriteString("\nMake the changes the task asks for. Commit-worthy work only; ask if something essential is ambiguous.\n")

	return elideMiddle(b.String(), maxPromptLen)
}

// instructionExcerpt returns a bounded excerpt of the first
// instruction file present in the checkout.
func instructionExcerpt(workdir string) string {
	if workdir == "" {
		return ""
	}
	for _, name := range instructionFiles {
		data, err := os.ReadFile(filepath.Join(workdir, name))
		if err != nil {
			continue
		}
		return truncate(strings.TrimSpace(string(data)), maxInstructionExcerpt)
	}
	return ""
}

// foldComments renders the newest comments, oldest first, each bounded.
func foldComments(comments []Comment) string {
	if len(comments) == 0 {
		return ""
	}
	if len(comments) > maxComments {
		comments = comments[len(comments)-maxComments:]
	}

	var b strings.Builder
	for _, c := range comments {
		fmt.Fprintf(&b, "%s: %s\n", c.Author, truncate(c.Body, maxCommentLen))
	}
	return b.String()
}

// truncate bounds s to max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// elideMiddle bounds s to max bytes by cutting out the middle.
func elideMiddle(s string, max int) string {
	if len(s) <= max {
		return s
	}
	marker := "\n\n[… elided for length …]\n\n"
	keep := (max - len(marker)) / 2

	head := keep
	for head > 0 && !utf8.RuneStart(s[head]) {
		head--
	}
	tailStart := len(s) - keep
	for tailStart < len(s) && !utf8.RuneStart(s[tailStart]) {
		tailStart++
	}
	return s[:head] + marker + s[tailStart:]
}
