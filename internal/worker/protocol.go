package worker

import (
	"encoding/json"
	"strconv"
	"time"
)

const jsonrpcVersion = "2.0"

// request is a JSON-RPC 2.0 request envelope.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// envelope is any inbound frame: a response when ID is set and Method is
// empty, a notification otherwise.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error returned by the worker.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// EventType names a session_event notification.
type EventType string

const (
	EventMessage   EventType = "message"
	EventStatus    EventType = "status"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is the params payload of a session_event notification.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp Timestamp       `json:"timestamp"`
}

// Terminal reports whether the event ends the remote session.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}

// Timestamp accepts RFC 3339 strings or unix milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" || len(b) == 0 {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	t.Time = time.UnixMilli(ms)
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// SessionStatus is the worker-side lifecycle of a remote session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether the remote session has finished.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Message is one transcript entry of a remote session.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp Timestamp `json:"timestamp"`
}

// RemoteSession is a worker-side execution.
type RemoteSession struct {
	ID            string        `json:"id"`
	Status        SessionStatus `json:"status"`
	Messages      []Message     `json:"messages"`
	Summary       string        `json:"summary,omitempty"`
	PRURL         string        `json:"prUrl,omitempty"`
	FilesModified []string      `json:"filesModified,omitempty"`
	Error         string        `json:"error,omitempty"`
	InputTokens   int64         `json:"inputTokens,omitempty"`
	OutputTokens  int64         `json:"outputTokens,omitempty"`
}

// TaskRequest is the params of sendTask.
type TaskRequest struct {
	TaskID       string `json:"taskId"`
	Title        string `json:"title"`
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	WorkDir      string `json:"workDir"`
	Branch       string `json:"branch,omitempty"`
	MaxTurns     int    `json:"maxTurns,omitempty"`
}

// TaskAccepted is the result of sendTask.
type TaskAccepted struct {
	SessionID string        `json:"sessionId"`
	Status    SessionStatus `json:"status"`
}

type authParams struct {
	Token    string `json:"token"`
	ClientID string `json:"clientId"`
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
}

type sessionList struct {
	Sessions []RemoteSession `json:"sessions"`
}
