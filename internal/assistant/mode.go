package assistant

import (
	"fmt"
	"slices"

	"github.com/hypermanager/hypermind/internal/config"
)

// Mode is an interaction mode. It selects the model and generation settings.
type Mode string

const (
	ModeChat      Mode = "chat"
	ModeLiveVoice Mode = "live_voice"
	ModeImageGen  Mode = "image_gen"
	ModeCode      Mode = "code"
	ModeDetective Mode = "detective"
	ModeTutor     Mode = "tutor"
	ModeFast      Mode = "fast"
)

var modes = []Mode{ModeChat, ModeLiveVoice, ModeImageGen, ModeCode, ModeDetective, ModeTutor, ModeFast}

// Modes returns every known mode.
func Modes() []Mode { return append([]Mode(nil), modes...) }

// ParseMode returns the mode named s. The empty string means [ModeChat].
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModeChat, nil
	}
	m := Mode(s)
	if !m.IsValid() {
		return "", fmt.Errorf("assistant: unknown mode %q", s)
	}
	return m, nil
}

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	for _, known := range modes {
		if m == known {
			return true
		}
	}
	return false
}

// Reasoning reports whether m runs on the reasoning model with a thinking
// budget.
func (m Mode) Reasoning() bool {
	return m == ModeCode || m == ModeDetective
}

// generation is the resolved per-request model choice. models are tried in
// order.
type generation struct {
	models          []string
	thinkingBudget  int32
	maxOutputTokens int32
}

// generationFor maps a text mode onto the configured models. Reasoning modes
// degrade to the chat model before the fallback model. Limits are only set
// for the reasoning modes.
func generationFor(m Mode, g config.GeminiConfig) generation {
	if m.Reasoning() {
		return generation{
			models:          compact(g.ReasoningModel, g.ChatModel, g.FallbackModel),
			thinkingBudget:  g.ThinkingBudget,
			maxOutputTokens: g.MaxOutputTokens,
		}
	}
	return generation{models: compact(g.ChatModel, g.FallbackModel)}
}

// compact drops empty and repeated names.
func compact(names ...string) []string {
	out := names[:0]
	for _, n := range names {
		if n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}
