package executor

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/joescharf/astrid/internal/parser"
)

const (
	// MaxSummaryLength caps the summary extracted from a transcript.
	MaxSummaryLength = 500
	// MinSummaryLength is the shortest paragraph accepted as a fallback summary.
	MinSummaryLength = 20
)

// ParsedOutput is what can be recovered from a finished transcript.
type ParsedOutput struct {
	FilesModified []string
	PRURL         string
	Error         string
	Summary       string
}

var (
	fileLine     = regexp.MustCompile("(?im)^\\s*(?:[-*]\\s*)?(?:created|modified|updated|wrote|edited|deleted)(?:\\s+file)?:?\\s+`?([\\w./-]+\\.[\\w]+)`?")
	errorLine    = regexp.MustCompile(`(?im)^\s*(?:error|fatal|panic):\s*(.+)$`)
	summaryTitle = regexp.MustCompile(`(?im)^[ \t]*(?:#{1,6}[ \t]*)?(?:\*\*)?(?:task complete(?:d)?(?:\*\*)?[ \t]*(?:[:!.]|$)|summary(?:\*\*)?[ \t]*:|summary(?:\*\*)?[ \t]*$)(?:\*\*)?`)
	paragraphSep = regexp.MustCompile(`\n[ \t]*\n`)
)

// ParseOutput scans a finished transcript for touched files, the last pull
// request URL, the first error line, and a summary.
func ParseOutput(text string) ParsedOutput {
	var out ParsedOutput

	seen := make(map[string]struct{})
	for _, m := range fileLine.FindAllStringSubmatch(text, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out.FilesModified = append(out.FilesModified, m[1])
	}
	sort.Strings(out.FilesModified)

	out.PRURL = parser.FindLastPRURL(text)
	if m := errorLine.FindStringSubmatch(text); m != nil {
		out.Error = strings.TrimSpace(m[1])
	}
	out.Summary = extractSummary(text)
	return out
}

// extractSummary prefers the text after the last "Task Complete" or
// "Summary" marker and falls back to the last paragraph of at least
// MinSummaryLength characters.
func extractSummary(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	var summary string
	if locs := summaryTitle.FindAllStringIndex(text, -1); len(locs) > 0 {
		rest := strings.TrimSpace(text[locs[len(locs)-1][1]:])
		summary = strings.TrimSpace(paragraphSep.Split(rest, 2)[0])
	}
	if summary == "" {
		paras := paragraphSep.Split(text, -1)
		for i := len(paras) - 1; i >= 0; i-- {
			if p := strings.TrimSpace(paras[i]); len(p) >= MinSummaryLength {
				summary = p
				break
			}
		}
	}
	if len(summary) > MaxSummaryLength {
		summary = strings.TrimSpace(truncateRunes(summary, MaxSummaryLength)) + "..."
	}
	return summary
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
