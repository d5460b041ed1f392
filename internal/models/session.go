package models

import "time"

// SessionStatus represents the state of an agent session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusTimeout   SessionStatus = "timeout"
)

// Terminal reports whether no further execution happens in this status.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusTimeout:
		return true
	}
	return false
}

// Provider identifies the agent backend a session is dispatched to.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderRemote Provider = "remote"
)

// Providers lists every supported backend in display order.
var Providers = []Provider{ProviderClaude, ProviderOpenAI, ProviderGemini, ProviderRemote}

// ParseProvider validates a provider name.
func ParseProvider(s string) (Provider, bool) {
	for _, p := range Providers {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// Session is one task handed to exactly one agent backend. Executors treat it as read-only.
type Session struct {
	ID           string
	TaskID       string
	Title        string
	Description  string
	WorkDir      string
	Provider     Provider
	Status       SessionStatus
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
