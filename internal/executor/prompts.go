package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/joescharf/astrid/internal/models"
	"github.com/joescharf/astrid/internal/repoinfo"
)

// CompletionNudge is sent once when the agent stops without calling mark_complete.
const CompletionNudge = "You stopped without calling `mark_complete`. If the task is finished, call `mark_complete` now " +
	"with a commit message, PR title, PR description, and summary. If it is not finished, continue working."

// DefaultSystemPrompt is the system prompt for hosted providers.
func DefaultSystemPrompt(agentLabel string) string {
	if agentLabel == "" {
		agentLabel = "Agent"
	}
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, an autonomous software engineering agent working inside a git repository.\n\n", agentLabel)

	b.WriteString("## Tools\n\n")
	b.WriteString("- `read_file`, `write_file`, `edit_file`: work with files relative to the repository root\n")
	b.WriteString("- `run_command`: run shell commands such as builds and tests\n")
	b.WriteString("- `search_files`: find files by glob and optionally grep their contents\n")
	b.WriteString("- `mark_complete`: report that the task is done\n\n")

	b.WriteString("## Communication\n\n")
	b.WriteString("- Before changing code, describe your plan as a numbered list\n")
	b.WriteString("- If requirements are unclear, ask one concise question and stop\n")
	b.WriteString("- Keep progress notes short, e.g. \"Running the test suite\"\n\n")

	b.WriteString("## Rules\n\n")
	b.WriteString("- Read code before editing it and follow existing project patterns\n")
	b.WriteString("- Run the tests that cover your change before finishing\n")
	b.WriteString("- Do not push, open pull requests, or rewrite git history yourself\n")
	b.WriteString("- Always finish by calling `mark_complete`\n")

	return b.String()
}

// RepositoryContext renders what is known about the working directory as a
// system prompt section, or "" when nothing was detected.
func RepositoryContext(info repoinfo.Info) string {
	facts := info.Facts()
	if len(facts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n## Repository\n\n")
	for _, f := range facts {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	return b.String()
}

// BuildTaskPrompt renders the initial user prompt for a session.
func BuildTaskPrompt(session models.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task: %s\n\n", session.Title)
	if session.TaskID != "" {
		fmt.Fprintf(&b, "Task ID: %s\n\n", session.TaskID)
	}
	if d := strings.TrimSpace(session.Description); d != "" {
		b.WriteString("## Description\n\n")
		b.WriteString(d)
		b.WriteString("\n\n")
	}
	b.WriteString("Start by exploring the repository, then share your plan and implement it.")
	return b.String()
}

// BuildResumePrompt rebuilds the task prompt with the comment history and
// the user's new input.
func BuildResumePrompt(session models.Session, history []models.Comment, input string) string {
	var b strings.Builder
	b.WriteString(BuildTaskPrompt(session))
	b.WriteString("\n\n")

	if len(history) > 0 {
		b.WriteString("## Previous Conversation\n\n")
		for _, c := range history {
			author := c.Author
			if author == "" {
				author = authorFor(c.Kind)
			}
			fmt.Fprintf(&b, "**%s** (%s):\n%s\n\n", author, c.Kind, strings.TrimSpace(c.Body))
		}
	}

	b.WriteString("## New Input\n\n")
	b.WriteString(strings.TrimSpace(input))
	b.WriteString("\n\nContinue the task taking this input into account.")
	return b.String()
}

func authorFor(kind models.CommentKind) string {
	if kind == models.CommentKindUser {
		return "User"
	}
	return "Agent"
}

// FormatCompletionComment renders the comment posted when a session finishes.
func FormatCompletionComment(agentLabel string, result models.ExecutionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s completed the task**\n\n", agentLabel)
	if result.Summary != "" {
		b.WriteString(result.Summary)
		b.WriteString("\n\n")
	}
	if len(result.FilesModified) > 0 {
		fmt.Fprintf(&b, "**Files changed (%d):**\n", len(result.FilesModified))
		for _, f := range result.FilesModified {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
		b.WriteString("\n")
	}
	if result.PRURL != "" {
		fmt.Fprintf(&b, "**Pull request:** %s\n\n", result.PRURL)
	}
	fmt.Fprintf(&b, "_%d turn(s) in %s_", result.Turns, result.Duration.Round(time.Second))
	return b.String()
}

// FormatFailureComment renders the comment posted when a session fails or times out.
func FormatFailureComment(agentLabel string, result models.ExecutionResult) string {
	var b strings.Builder
	if result.Status == models.SessionStatusTimeout {
		fmt.Fprintf(&b, "**%s timed out**\n\n", agentLabel)
	} else {
		fmt.Fprintf(&b, "**%s failed**\n\n", agentLabel)
	}
	if result.Stderr != "" {
		fmt.Fprintf(&b, "```\n%s\n```\n\n", strings.TrimSpace(result.Stderr))
	}
	if len(result.FilesModified) > 0 {
		fmt.Fprintf(&b, "Partial changes in %d file(s) were kept in the working tree.\n\n", len(result.FilesModified))
	}
	b.WriteString("_Reply to this comment to resume the session._")
	return b.String()
}
