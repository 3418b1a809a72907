package llm

import "strings"

const editSystemPrompt = `
You are an editing assistant for policy and compliance drafts.

Your task:
- You receive a draft written in HTML markup and an instruction from its author.
- Apply the instruction to the draft and return the complete edited draft.

Rules:
- Return ONLY the edited draft, with no preamble, explanation or code fences.
- Keep the same markup format as the input. Do not add <html> or <body> wrappers.
- Preserve every part the instruction does not ask you to change, including citations and quoted policy text.
- Answer in the SAME LANGUAGE as the draft unless the instruction asks for a translation.
- Never invent policy clauses, figures or document references that are not in the draft.
`

// Prompt represents the system prompt + the content to send as "user".
type Prompt struct {
	System string
	User   string
}

// BuildEditPrompt builds the prompt asking the model to apply instruction to content.
func BuildEditPrompt(content, instruction string) Prompt {
	var user strings.Builder
	user.WriteString("Instruction:\n")
	user.WriteString(strings.TrimSpace(instruction))
	user.WriteString("\n\nDraft:\n")
	if strings.TrimSpace(content) == "" {
		user.WriteString("(empty draft)")
	} else {
		user.WriteString(content)
	}

	return Prompt{
		System: strings.TrimSpace(editSystemPrompt),
		User:   user.String(),
	}
}
