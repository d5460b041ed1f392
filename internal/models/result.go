package models

import "time"

// Usage accumulates token counters reported by hosted providers.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add returns the sum of two usage records.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// ExecutionResult is the outcome of one StartSession/ResumeSession call.
type ExecutionResult struct {
	ExitCode        int           `json:"exit_code"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	FilesModified   []string      `json:"files_modified"`
	Diff            string        `json:"diff"`
	PRURL           string        `json:"pr_url,omitempty"`
	RemoteSessionID string        `json:"remote_session_id,omitempty"`
	Status          SessionStatus `json:"status"`
	Summary         string        `json:"summary,omitempty"`
	Turns           int           `json:"turns"`
	Usage           Usage         `json:"usage"`
	Duration        time.Duration `json:"duration"`
}

// Succeeded reports whether the execution finished with a zero exit code.
func (r ExecutionResult) Succeeded() bool {
	return r.ExitCode == 0
}
