package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arb-consulting/shallow-review-2025/internal/config"
)

func TestLoadPrompts_EmbeddedDefaults(t *testing.T) {
	ps := loadPrompts(config.PromptsConfig{})

	assert.Contains(t, ps.collectSystem.Template, "collection source")
	assert.Contains(t, ps.collectUser.Template, "{{.content}}")
	assert.Contains(t, ps.classifySystem.Template, "{{.taxonomy}}")
	assert.Contains(t, ps.detectUser.Template, "{{.url}}")
	assert.Empty(t, ps.collectSystem.Path)
}

func TestLoadPrompts_ConfigOverridesSystemOnly(t *testing.T) {
	override := filepath.Join(t.TempDir(), "collect_system.tmpl")
	require.NoError(t, os.WriteFile(override, []byte("Collect tersely."), 0o644))

	ps := loadPrompts(config.PromptsConfig{CollectPath: override})

	assert.Equal(t, override, ps.collectSystem.Path)
	assert.Empty(t, ps.collectSystem.Template)
	// User prompts stay embedded even when the system prompt is overridden.
	assert.Contains(t, ps.collectUser.Template, "{{.content}}")
	assert.Contains(t, ps.classifySystem.Template, "{{.taxonomy}}")
}
