package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/moby/patternmatcher"
)

const (
	defaultCommandTimeout = 2 * time.Minute
	defaultMaxOutput      = 30000
	maxSearchResults      = 200
	maxSearchFileSize     = 1 << 20
)

// FileOp describes how a tool touched a file.
type FileOp string

const (
	FileCreated  FileOp = "created"
	FileModified FileOp = "modified"
)

// FileChange records a file written by a tool.
type FileChange struct {
	Path string
	Op   FileOp
}

// Completion carries the arguments of mark_complete.
type Completion struct {
	CommitMessage string
	PRTitle       string
	PRDescription string
	Summary       string
}

// Result is the outcome of one tool call. Failures are reported through
// IsError so they can be fed back to the agent.
type Result struct {
	Output     string
	IsError    bool
	Change     *FileChange
	Completion *Completion
}

func errorResult(format string, a ...any) Result {
	return Result{Output: "Error: " + fmt.Sprintf(format, a...), IsError: true}
}

// Sandbox runs tools confined to one working directory.
type Sandbox struct {
	dir            string
	commandTimeout time.Duration
	maxOutput      int
	logger         *slog.Logger
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithCommandTimeout bounds each run_command invocation.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Sandbox) { s.commandTimeout = d }
}

// WithMaxOutput truncates tool output beyond n bytes.
func WithMaxOutput(n int) Option {
	return func(s *Sandbox) { s.maxOutput = n }
}

// WithLogger sets the logger used for denied commands.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = l }
}

// NewSandbox returns a sandbox rooted at dir.
func NewSandbox(dir string, opts ...Option) *Sandbox {
	s := &Sandbox{
		dir:            dir,
		commandTimeout: defaultCommandTimeout,
		maxOutput:      defaultMaxOutput,
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dir returns the sandbox root.
func (s *Sandbox) Dir() string { return s.dir }

// ExecuteNamed resolves a wire name and executes it. Unknown names are an error result.
func (s *Sandbox) ExecuteNamed(ctx context.Context, name string, input map[string]any) Result {
	k, ok := ParseKind(name)
	if !ok {
		return errorResult("unknown tool %q", name)
	}
	return s.Execute(ctx, k, input)
}

// Execute runs one tool.
func (s *Sandbox) Execute(ctx context.Context, k Kind, input map[string]any) Result {
	var r Result
	switch k {
	case ReadFile:
		r = s.readFile(input)
	case WriteFile:
		r = s.writeFile(input)
	case EditFile:
		r = s.editFile(input)
	case RunCommand:
		r = s.runCommand(ctx, input)
	case SearchFiles:
		r = s.searchFiles(ctx, input)
	case MarkComplete:
		r = markComplete(input)
	default:
		return errorResult("unsupported tool %s", k)
	}
	r.Output = truncate(r.Output, s.maxOutput)
	return r
}

// resolve maps a tool-supplied path into the sandbox, rejecting escapes.
func (s *Sandbox) resolve(p string) (abs, rel string, err error) {
	if p == "" {
		return "", "", errors.New("path is required")
	}
	root, err := filepath.Abs(s.dir)
	if err != nil {
		return "", "", err
	}
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Join(root, p)
	}
	rel, err = filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path %q is outside the working directory", p)
	}
	return abs, rel, nil
}

func (s *Sandbox) readFile(input map[string]any) Result {
	abs, _, err := s.resolve(stringArg(input, "path"))
	if err != nil {
		return errorResult("%v", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return errorResult("read file: %v", err)
	}
	return Result{Output: string(data)}
}

func (s *Sandbox) writeFile(input map[string]any) Result {
	abs, rel, err := s.resolve(stringArg(input, "path"))
	if err != nil {
		return errorResult("%v", err)
	}
	content, ok := input["content"].(string)
	if !ok {
		return errorResult("content is required")
	}

	op := FileModified
	if _, err := os.Stat(abs); errors.Is(err, fs.ErrNotExist) {
		op = FileCreated
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return errorResult("create directory: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return errorResult("write file: %v", err)
	}
	return Result{
		Output: fmt.Sprintf("Wrote %d bytes to %s", len(content), rel),
		Change: &FileChange{Path: rel, Op: op},
	}
}

func (s *Sandbox) editFile(input map[string]any) Result {
	abs, rel, err := s.resolve(stringArg(input, "path"))
	if err != nil {
		return errorResult("%v", err)
	}
	oldStr := stringArg(input, "old_string")
	newStr, _ := input["new_string"].(string)
	if oldStr == "" {
		return errorResult("old_string is required")
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return errorResult("read file: %v", err)
	}
	content := string(data)

	n := strings.Count(content, oldStr)
	replaceAll, _ := input["replace_all"].(bool)
	switch {
	case n == 0:
		return errorResult("old_string not found in %s", rel)
	case n > 1 && !replaceAll:
		return errorResult("old_string appears %d times in %s; provide more context or set replace_all", n, rel)
	}

	replaced := 1
	if replaceAll {
		content = strings.ReplaceAll(content, oldStr, newStr)
		replaced = n
	} else {
		content = strings.Replace(content, oldStr, newStr, 1)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return errorResult("write file: %v", err)
	}
	return Result{
		Output: fmt.Sprintf("Edited %s (%d replacement(s))", rel, replaced),
		Change: &FileChange{Path: rel, Op: FileModified},
	}
}

func (s *Sandbox) runCommand(ctx context.Context, input map[string]any) Result {
	command := strings.TrimSpace(stringArg(input, "command"))
	if command == "" {
		return errorResult("command is required")
	}
	if reason, denied := CheckCommand(command); denied {
		s.logger.Warn("refused destructive command", "command", command, "reason", reason)
		return errorResult("command refused: %s", reason)
	}

	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = s.dir
	out, err := cmd.CombinedOutput()
	output := string(out)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errorResult("command timed out after %s\n%s", s.commandTimeout, output)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{
				Output:  fmt.Sprintf("%s\n[exit code %d]", output, exitErr.ExitCode()),
				IsError: true,
			}
		}
		return errorResult("run command: %v", err)
	}
	if output == "" {
		output = "(no output)"
	}
	return Result{Output: output}
}

var skipDirs = map[string]bool{".git": true, "node_modules": true, "vendor": true}

func (s *Sandbox) searchFiles(ctx context.Context, input map[string]any) Result {
	pattern := stringArg(input, "pattern")
	if pattern == "" {
		pattern = "**"
	}
	if !strings.Contains(pattern, "/") && pattern != "**" {
		pattern = "**/" + pattern
	}
	pm, err := patternmatcher.New([]string{pattern})
	if err != nil {
		return errorResult("invalid pattern: %v", err)
	}

	var query *regexp.Regexp
	if q := stringArg(input, "query"); q != "" {
		query, err = regexp.Compile(q)
		if err != nil {
			return errorResult("invalid query: %v", err)
		}
	}

	var hits []string
	walkErr := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return nil
		}
		ok, err := pm.MatchesOrParentMatches(rel)
		if err != nil || !ok {
			return nil
		}
		if query == nil {
			hits = append(hits, filepath.ToSlash(rel))
		} else {
			hits = append(hits, grepFile(path, filepath.ToSlash(rel), query, maxSearchResults-len(hits))...)
		}
		if len(hits) >= maxSearchResults {
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil {
		return errorResult("search: %v", walkErr)
	}
	if len(hits) == 0 {
		return Result{Output: "No matches found."}
	}
	return Result{Output: strings.Join(hits, "\n")}
}

func grepFile(path, rel string, query *regexp.Regexp, limit int) []string {
	info, err := os.Stat(path)
	if err != nil || info.Size() > maxSearchFileSize {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var hits []string
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan() && len(hits) < limit; line++ {
		if query.MatchString(sc.Text()) {
			hits = append(hits, fmt.Sprintf("%s:%d: %s", rel, line, strings.TrimSpace(sc.Text())))
		}
	}
	return hits
}

func markComplete(input map[string]any) Result {
	c := &Completion{
		CommitMessage: stringArg(input, "commit_message"),
		PRTitle:       stringArg(input, "pr_title"),
		PRDescription: stringArg(input, "pr_description"),
		Summary:       stringArg(input, "summary"),
	}
	if c.CommitMessage == "" {
		c.CommitMessage = c.PRTitle
	}
	return Result{Output: "Task marked complete.", Completion: c}
}

func stringArg(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}

// truncate keeps at most n bytes of s, backing off to a rune boundary.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n... [truncated %d bytes]", len(s)-cut)
}
