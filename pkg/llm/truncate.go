package llm

import "github.com/heymates/maestro/pkg/models"

// ConversationTokenBudget caps the estimated token size of the history sent
// with a model call. Older messages are dropped first.
const ConversationTokenBudget = 120000

// charsPerToken is the length heuristic used for budgeting. Deliberately
// crude; the budget leaves ample headroom under real context windows.
const charsPerToken = 4

// EstimateTokens approximates the token cost of one message.
func EstimateTokens(m models.Message) int {
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments)
	}
	return chars/charsPerToken + 4
}

// Truncate drops the oldest messages until the estimated total fits the
// budget. The most recent message always survives, even alone over budget.
// Tool results whose assistant turn was dropped are dropped with it, since
// providers reject orphaned tool results.
func Truncate(messages []models.Message, budget int) []models.Message {
	if len(messages) == 0 {
		return messages
	}

	cut := len(messages) - 1
	total := EstimateTokens(messages[cut])
	for i := cut - 1; i >= 0; i-- {
		t := EstimateTokens(messages[i])
		if total+t > budget {
			break
		}
		total += t
		cut = i
	}

	kept := messages[cut:]
	for len(kept) > 1 && kept[0].Role == models.RoleTool {
		kept = kept[1:]
	}
	return kept
}
