package pipeline

import (
	"embed"

	"github.com/arb-consulting/shallow-review-2025/internal/config"
	"github.com/arb-consulting/shallow-review-2025/internal/llm"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

// promptSet holds the prompt sources each phase renders. System prompts can
// be overridden by config paths so operators can tune instructions without
// rebuilding; user prompts are the content scaffold and stay embedded.
type promptSet struct {
	collectSystem llm.PromptSource
	collectUser   llm.PromptSource

	classifySystem llm.PromptSource
	classifyUser   llm.PromptSource

	detectSystem llm.PromptSource
	detectUser   llm.PromptSource
}

func loadPrompts(cfg config.PromptsConfig) promptSet {
	return promptSet{
		collectSystem:  systemSource(cfg.CollectPath, "prompts/collect_system.tmpl"),
		collectUser:    embeddedSource("prompts/collect_user.tmpl"),
		classifySystem: systemSource(cfg.ClassifyPath, "prompts/classify_system.tmpl"),
		classifyUser:   embeddedSource("prompts/classify_user.tmpl"),
		detectSystem:   systemSource(cfg.DetectPath, "prompts/detect_system.tmpl"),
		detectUser:     embeddedSource("prompts/detect_user.tmpl"),
	}
}

func systemSource(override, embedded string) llm.PromptSource {
	if override != "" {
		return llm.PromptSource{Path: override}
	}
	return embeddedSource(embedded)
}

func embeddedSource(name string) llm.PromptSource {
	data, err := promptFS.ReadFile(name)
	if err != nil {
		panic("pipeline: missing embedded prompt " + name)
	}
	return llm.PromptSource{Template: string(data)}
}
