package models

import "time"

// CommentKind classifies a comment posted on behalf of an agent.
type CommentKind string

const (
	CommentKindPlan       CommentKind = "plan"
	CommentKindQuestion   CommentKind = "question"
	CommentKindProgress   CommentKind = "progress"
	CommentKindPRCreated  CommentKind = "pr_created"
	CommentKindCompletion CommentKind = "completion"
	CommentKindFailure    CommentKind = "failure"
	CommentKindUser       CommentKind = "user"
)

// Comment is one entry in a session's comment history.
type Comment struct {
	ID        string
	SessionID string
	Kind      CommentKind
	Author    string
	Body      string
	CreatedAt time.Time
}
