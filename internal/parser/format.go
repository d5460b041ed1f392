package parser

import "fmt"

// FormatComment renders a detected fragment as a human-readable comment.
// agentLabel is the display name of the agent, e.g. "Claude".
func FormatComment(d Detected, agentLabel string) string {
	if agentLabel == "" {
		agentLabel = "Agent"
	}
	switch d.Kind {
	case KindPlan:
		return fmt.Sprintf("**%s's Plan**\n\n%s", agentLabel, d.Content)
	case KindQuestion:
		return fmt.Sprintf("**%s has a question**\n\n%s\n\n_Reply to this comment to answer and resume the session._", agentLabel, d.Content)
	case KindProgress:
		return fmt.Sprintf("**Progress Update**\n\n%s", d.Content)
	case KindPRCreated:
		return fmt.Sprintf("**Pull Request Created**\n\n%s opened a pull request: %s", agentLabel, d.Content)
	default:
		return d.Content
	}
}
