package usecase

import (
	"fmt"
	"strings"

	"companion-chat/internal/domain"
)

// PromptInput is everything the model prompt is built from.
type PromptInput struct {
	CompanionName string
	Instructions  string
	Memory        []domain.MemoryRecord
	Message       string
}

// ComposePrompt builds the model prompt. It is deterministic in its input.
//
// Instructions, memory and message are embedded verbatim with one exception:
// a line that begins with the "<name>:" speaker cue gets two leading spaces,
// so the final cue line is the only one that starts with it.
func ComposePrompt(in PromptInput) string {
	name := normalizePromptInput(in.CompanionName)
	cue := name + ":"

	parts := []string{
		fmt.Sprintf("ONLY generate plain sentences without prefix of who is speaking. DO NOT use %s prefix.", cue),
		"",
		guardCue(in.Instructions, cue),
		"",
		fmt.Sprintf("Below are relevant details about %s's past and the conversation you are in.", name),
		"",
	}
	if memory := memoryBlock(in.Memory); memory != "" {
		parts = append(parts, guardCue(memory, cue), "")
	}
	parts = append(parts, guardCue(in.Message, cue), cue)
	return strings.Join(parts, "\n")
}

func memoryBlock(records []domain.MemoryRecord) string {
	lines := make([]string, 0, len(records))
	for _, r := range records {
		if content := strings.TrimSpace(r.Content); content != "" {
			lines = append(lines, content)
		}
	}
	return strings.Join(lines, "\n")
}

func guardCue(s, cue string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, cue) {
			lines[i] = "  " + line
		}
	}
	return strings.Join(lines, "\n")
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
