package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/joescharf/astrid/internal/models"
)

// UI provides colored output. It is safe for concurrent use so batch runs
// can stream several sessions at once.
type UI struct {
	Verbose bool
	Out     io.Writer
	ErrOut  io.Writer

	mu sync.Mutex
}

// New creates a UI with default stdout/stderr writers.
func New() *UI {
	return &UI{
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	}
}

var (
	infoPrefix    = color.New(color.FgHiBlue).Sprint("i")
	successPrefix = color.New(color.FgHiGreen).Sprint("✓")
	warningPrefix = color.New(color.FgHiYellow).Sprint("⚠")
	errorPrefix   = color.New(color.FgHiRed).Sprint("✗")
	verbosePrefix = color.New(color.FgHiBlue).Sprint("  →")
	cyan          = color.New(color.FgHiCyan).SprintFunc()
	green         = color.New(color.FgHiGreen).SprintFunc()
	yellow        = color.New(color.FgHiYellow).SprintFunc()
	red           = color.New(color.FgHiRed).SprintFunc()
	bold          = color.New(color.Bold).SprintFunc()
)

// Cyan returns a cyan-colored string.
func Cyan(s string) string { return cyan(s) }

// Green returns a green-colored string.
func Green(s string) string { return green(s) }

// Yellow returns a yellow-colored string.
func Yellow(s string) string { return yellow(s) }

// Red returns a red-colored string.
func Red(s string) string { return red(s) }

// StatusColor returns the string colored by session status.
func StatusColor(status string) string {
	switch models.SessionStatus(strings.ToLower(status)) {
	case models.SessionStatusPending:
		return status
	case models.SessionStatusRunning:
		return yellow(status)
	case models.SessionStatusCompleted:
		return green(status)
	case models.SessionStatusFailed, models.SessionStatusTimeout:
		return red(status)
	default:
		return status
	}
}

// KindColor returns the comment kind colored for display.
func KindColor(kind models.CommentKind) string {
	s := string(kind)
	switch kind {
	case models.CommentKindPlan, models.CommentKindPRCreated:
		return cyan(s)
	case models.CommentKindQuestion:
		return yellow(s)
	case models.CommentKindCompletion:
		return green(s)
	case models.CommentKindFailure:
		return red(s)
	default:
		return s
	}
}

// ShortID returns the last 8 characters of a ULID, which vary the most.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}

func (u *UI) printf(w io.Writer, prefix, format string, a ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(w, "%s %s\n", prefix, fmt.Sprintf(format, a...))
}

func (u *UI) Info(format string, a ...any) {
	u.printf(u.Out, infoPrefix, format, a...)
}

func (u *UI) Success(format string, a ...any) {
	u.printf(u.Out, successPrefix, format, a...)
}

func (u *UI) Warning(format string, a ...any) {
	u.printf(u.ErrOut, warningPrefix, format, a...)
}

func (u *UI) Error(format string, a ...any) {
	u.printf(u.ErrOut, errorPrefix, format, a...)
}

func (u *UI) VerboseLog(format string, a ...any) {
	if u.Verbose {
		u.printf(u.Out, verbosePrefix, format, a...)
	}
}

// Comment prints a comment posted by a session, indented under a header.
func (u *UI) Comment(sessionID string, kind models.CommentKind, body string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.Out, "\n%s %s\n", bold("["+ShortID(sessionID)+"]"), KindColor(kind))
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		fmt.Fprintf(u.Out, "  %s\n", line)
	}
}

// Result prints the outcome of a run as a key/value table.
func (u *UI) Result(sessionID string, res models.ExecutionResult) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	table := u.Table([]string{"Field", "Value"})
	rows := [][]string{
		{"Session", sessionID},
		{"Status", StatusColor(string(res.Status))},
		{"Exit code", fmt.Sprintf("%d", res.ExitCode)},
		{"Turns", fmt.Sprintf("%d", res.Turns)},
		{"Duration", res.Duration.Round(time.Second).String()},
		{"Tokens", fmt.Sprintf("%d in / %d out", res.Usage.InputTokens, res.Usage.OutputTokens)},
		{"Files", fmt.Sprintf("%d", len(res.FilesModified))},
	}
	if res.PRURL != "" {
		rows = append(rows, []string{"Pull request", res.PRURL})
	}
	if res.RemoteSessionID != "" {
		rows = append(rows, []string{"Remote session", res.RemoteSessionID})
	}
	if res.Stderr != "" {
		rows = append(rows, []string{"Error", red(res.Stderr)})
	}
	for _, r := range rows {
		if err := table.Append(r); err != nil {
			return err
		}
	}
	return table.Render()
}

// Table creates a new tablewriter configured with consistent styling.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}
