package usecase

import (
	"fmt"
	"strings"

	"corex-gateway/internal/domain"
)

// routeTarget is the backend a turn is dispatched to. The decision is a pure
// function of the turn's shape: any attachment forces the multimodal model,
// everything else goes to the agent.
type routeTarget int

const (
	routeAgent routeTarget = iota
	routeMultimodal
)

func routeFor(att *domain.Attachment) routeTarget {
	if att != nil {
		return routeMultimodal
	}
	return routeAgent
}

// buildAgentPrompt folds the rendered history window into the outbound agent
// prompt. The augmented text exists only for the backend call; the original
// prompt is what gets persisted.
func buildAgentPrompt(historyText, prompt string) string {
	if historyText == "" {
		return prompt
	}
	return "Recent conversation history:\n" + historyText + "\n\nCurrent message:\n" + prompt
}

// buildModelPrompt is the multimodal-path counterpart with a plain label.
func buildModelPrompt(historyText, prompt string) string {
	if historyText == "" {
		return prompt
	}
	return "History:\n" + historyText + "\n\n" + prompt
}

// renderHistory renders turns as alternating "User:"/"Agent:" lines in
// chronological order, omitting empty sides. Only the turn count is bounded;
// individual messages are never truncated.
func renderHistory(turns []domain.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		if msg := strings.TrimSpace(t.UserMessage); msg != "" {
			b.WriteString("User: ")
			b.WriteString(msg)
			b.WriteByte('\n')
		}
		if resp := strings.TrimSpace(t.AgentResponse); resp != "" {
			b.WriteString("Agent: ")
			b.WriteString(resp)
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// persistedMessage is the userMessage written to the store: the original
// prompt, annotated with a file-reference marker when a file was attached.
// File content itself is never persisted.
func persistedMessage(prompt string, att *domain.Attachment) string {
	if att == nil {
		return prompt
	}
	return strings.TrimSpace(fmt.Sprintf("[File: %s] %s", att.Name, prompt))
}
