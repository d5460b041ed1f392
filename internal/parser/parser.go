// Package parser classifies free-text agent output into plans, questions,
// progress notes, and pull-request links as the text streams in.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/joescharf/astrid/internal/clock"
)

// Kind is the class of a detected fragment.
type Kind string

const (
	KindPlan      Kind = "plan"
	KindQuestion  Kind = "question"
	KindProgress  Kind = "progress"
	KindPRCreated Kind = "pr_created"
)

const (
	// MinSegmentLength drops segments that are too short to carry meaning.
	MinSegmentLength = 10
	// MinPlanLength is the shortest segment considered a plan.
	MinPlanLength = 80
	// MaxQuestionLength is the longest segment considered a question.
	MaxQuestionLength = 500
	// MaxProgressLength is the longest segment considered a progress note.
	MaxProgressLength = 300
	// ProgressInterval is the minimum spacing between progress emissions.
	ProgressInterval = 30 * time.Second
)

// Detected is one classified fragment.
type Detected struct {
	Kind    Kind
	Content string
}

// State is the running state of the classifier for one execution.
// It is not safe for concurrent use.
type State struct {
	buffer string

	lastPlanPosted     time.Time
	lastProgressPosted time.Time
	lastQuestionPosted time.Time

	postedPlans     map[string]struct{}
	postedQuestions map[string]struct{}

	clock clock.Clock
}

// Option configures a State.
type Option func(*State)

// WithClock sets the time source used for progress throttling.
func WithClock(c clock.Clock) Option {
	return func(s *State) { s.clock = c }
}

// NewState returns a fresh classifier state.
func NewState(opts ...Option) *State {
	s := &State{
		postedPlans:     make(map[string]struct{}),
		postedQuestions: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.clock = clock.OrReal(s.clock)
	return s
}

// Pending returns the buffered text not yet terminated by a blank line.
func (s *State) Pending() string {
	return s.buffer
}

// ParseOutputChunk feeds chunk into state and returns newly detected fragments.
func ParseOutputChunk(chunk string, state *State) []Detected {
	return state.Parse(chunk)
}

var segmentSep = regexp.MustCompile(`\n[ \t]*\n`)

// Parse appends chunk to the buffer, classifies every complete segment, and
// keeps the trailing incomplete remainder for the next call.
func (s *State) Parse(chunk string) []Detected {
	s.buffer += chunk
	parts := segmentSep.Split(s.buffer, -1)
	s.buffer = parts[len(parts)-1]

	var found []Detected
	for _, seg := range parts[:len(parts)-1] {
		if d, ok := s.classify(seg); ok {
			found = append(found, d)
		}
	}
	return found
}

// Flush classifies whatever remains in the buffer as a complete segment.
func (s *State) Flush() []Detected {
	rest := s.buffer
	s.buffer = ""
	if d, ok := s.classify(rest); ok {
		return []Detected{d}
	}
	return nil
}

func (s *State) classify(raw string) (Detected, bool) {
	seg := strings.TrimSpace(raw)
	if len(seg) < MinSegmentLength {
		return Detected{}, false
	}

	if url := FindPRURL(seg); url != "" {
		return Detected{Kind: KindPRCreated, Content: url}, true
	}

	if isPlan(seg) {
		h := contentHash(seg)
		if _, seen := s.postedPlans[h]; seen {
			return Detected{}, false
		}
		s.postedPlans[h] = struct{}{}
		s.lastPlanPosted = s.clock.Now()
		return Detected{Kind: KindPlan, Content: seg}, true
	}

	if isQuestion(seg) {
		h := contentHash(seg)
		if _, seen := s.postedQuestions[h]; seen {
			return Detected{}, false
		}
		s.postedQuestions[h] = struct{}{}
		s.lastQuestionPosted = s.clock.Now()
		return Detected{Kind: KindQuestion, Content: seg}, true
	}

	if isProgress(seg) {
		now := s.clock.Now()
		if !s.lastProgressPosted.IsZero() && now.Sub(s.lastProgressPosted) < ProgressInterval {
			return Detected{}, false
		}
		s.lastProgressPosted = now
		return Detected{Kind: KindProgress, Content: seg}, true
	}

	return Detected{}, false
}

var prURLPattern = regexp.MustCompile(`https?://(?:www\.)?github\.com/[\w.-]+/[\w.-]+/pull/\d+|https?://[\w.-]+/[\w./-]+/-/merge_requests/\d+`)

// FindPRURL returns the first pull-request URL in text, or "".
func FindPRURL(text string) string {
	return prURLPattern.FindString(text)
}

// FindLastPRURL returns the last pull-request URL in text, or "".
func FindLastPRURL(text string) string {
	all := prURLPattern.FindAllString(text, -1)
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1]
}

var (
	planMarker = regexp.MustCompile(`(?i)(?:^|\n)\s*(?:#{1,6}\s*)?(?:\*\*)?\s*(?:implementation plan|proposed plan|plan of action|my plan|the plan|here(?:'s| is) (?:my|the) plan|approach)\b`)
	numbered   = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+\S`)
	bulleted   = regexp.MustCompile(`(?m)^\s*[-*+]\s+\S`)
	planIntro  = regexp.MustCompile(`(?i)\b(?:plan|steps|i will|i'll|approach|going to)\b`)
)

func isPlan(seg string) bool {
	if len(seg) < MinPlanLength || strings.HasPrefix(seg, "```") {
		return false
	}
	if planMarker.MatchString(seg) {
		return true
	}
	items := len(numbered.FindAllString(seg, -1))
	if items >= 3 {
		return true
	}
	first, _, _ := strings.Cut(seg, "\n")
	if planIntro.MatchString(first) {
		return items >= 2 || len(bulleted.FindAllString(seg, -1)) >= 3
	}
	return false
}

var interrogative = regexp.MustCompile(`(?i)\b(?:should i|shall i|would you|do you|could you|can you|would you prefer|which (?:one|option|approach)|what (?:would|should|do) you|how (?:would|should) you|is it ok|please (?:clarify|confirm))\b`)

func isQuestion(seg string) bool {
	if len(seg) > MaxQuestionLength || !strings.Contains(seg, "?") || strings.HasPrefix(seg, "```") {
		return false
	}
	return strings.HasSuffix(seg, "?") || interrogative.MatchString(seg)
}

var progressLead = regexp.MustCompile(`(?i)^(?:[→✓•>]\s*)?(?:creating|updating|modifying|writing|reading|running|installing|implementing|adding|fixing|removing|refactoring|testing|building|checking|analyzing|searching|exploring|looking|working on|now i'?m|now i'?ll|let me|i'?m now|i'?ll now|next,? i'?ll)\b`)

func isProgress(seg string) bool {
	if len(seg) > MaxProgressLength {
		return false
	}
	return progressLead.MatchString(seg)
}

var whitespace = regexp.MustCompile(`\s+`)

// normalize lowercases and collapses whitespace so trivially different
// renderings of the same fragment hash identically.
func normalize(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(strings.ToLower(s), " "))
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(normalize(s)))
	return hex.EncodeToString(sum[:])
}
