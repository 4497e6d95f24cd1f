package assistant

import "strings"

// DefaultPersona is used when the configuration names none.
const DefaultPersona = `Your name is HyperMind. Be concise, friendly and smart.
Respond in the same language as the user.`

// ComposeInstruction builds the system instruction sent with every request
// and live session: the persona first, then a blank line, then the caller's
// instruction. Either part may be empty.
func ComposeInstruction(persona, instruction string) string {
	persona = strings.TrimSpace(persona)
	instruction = strings.TrimSpace(instruction)
	switch {
	case persona == "":
		return instruction
	case instruction == "":
		return persona
	}
	return persona + "\n\n" + instruction
}
