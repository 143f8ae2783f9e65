package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPrompt_IncludesTaskAndInstructions(t *testing.T) {
	workdir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "AGENTS.md"), []byte("Always run make lint."), 0644))

	prompt := BuildPrompt(workdir, TaskContext{
		Title:       "Fix login redirect",
		Description: "Users land on a 404 after OAuth.",
	})

	assert.Contains(t, prompt, "Fix login redirect")
	assert.Contains(t, prompt, "Users land on a 404")
	assert.Contains(t, prompt, "Always run make lint.")
}

func TestBuildPrompt_PrefersFirstInstructionFile(t *testing.T) {
	workdir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "AGENTS.md"), []byte("from agents"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "CLAUDE.md"), []byte("from claude"), 0644))

	prompt := BuildPrompt(workdir, TaskContext{Title: "t"})
	assert.Contains(t, prompt, "from agents")
	assert.NotContains(t, prompt, "from claude")
}

func TestBuildPrompt_NoInstructionFile(t *testing.T) {
	prompt := BuildPrompt(t.TempDir(), TaskContext{Title: "t"})
	assert.NotContains(t, prompt, "Repository instructions")
}

func TestFoldComments_KeepsNewestTen(t *testing.T) {
	var comments []Comment
	for i := 0; i < 15; i++ {
		comments = append(comments, Comment{Author: "dev", Body: fmt.Sprintf("comment-%d", i)})
	}

	folded := foldComments(comments)
	assert.NotContains(t, folded, "comment-4")
	assert.Contains(t, folded, "comment-5")
	assert.Contains(t, folded, "comment-14")
}

func TestTruncate_NeverSplitsRunes(t *testing.T) {
	s := strings.Repeat("é", 100)
	out := truncate(s, 15)
	assert.True(t, utf8.ValidString(out))
	assert.LessOrEqual(t, len(out), 15+len("…"))
}

func TestBuildPrompt_BoundedWithMiddleElision(t *testing.T) {
	tc := TaskContext{
		Title:       "big one",
		Description: strings.Repeat("start-marker ", 2000) + strings.Repeat("end-marker ", 2000),
	}

	prompt := BuildPrompt("", tc)
	assert.LessOrEqual(t, len(prompt), maxPromptLen)
	assert.True(t, utf8.ValidString(prompt))
	assert.Contains(t, prompt, "elided for length")
	// Head and tail both survive
	assert.Contains(t, prompt, "big one")
	assert.Contains(t, prompt, "end-marker")
}

func TestBuildPrompt_ResumeFoldsPriorSummary(t *testing.T) {
	prompt := BuildPrompt("", TaskContext{
		Title:        "t",
		PriorSummary: "Implemented the parser, tests pending.",
		FollowUp:     "Please also cover the empty-input case.",
	})

	assert.Contains(t, prompt, "Earlier progress")
	assert.Contains(t, prompt, "Implemented the parser")
	assert.Contains(t, prompt, "empty-input case")
}
