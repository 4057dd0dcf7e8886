package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemplate(t *testing.T, workDir, file, content string) {
	t.Helper()
	dir := filepath.Join(workDir, ".claude", "agents")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
}

func TestTemplateRegistryDiscovery(t *testing.T) {
	workDir := t.TempDir()
	writeTemplate(t, workDir, "reviewer.md", `---
name: reviewer
description: Reviews pull requests
tools: Read, Grep
model: haiku
color: green
---
You review code.`)
	writeTemplate(t, workDir, "tester.md", `---
name: tester
description: Writes tests
tools:
  - Read
  - Bash
---
You write tests.`)
	// Missing the frontmatter fence entirely; skipped during discovery.
	writeTemplate(t, workDir, "broken.md", "just some prose without frontmatter")

	reg := NewTemplateRegistry(workDir, testLogger(t))

	names := reg.Names()
	assert.ElementsMatch(t, []string{"reviewer", "tester"}, names)

	reviewer, ok := reg.Get("reviewer")
	require.True(t, ok)
	assert.Equal(t, "Reviews pull requests", reviewer.Description)
	assert.Equal(t, []string{"Read", "Grep"}, reviewer.Tools)
	assert.Equal(t, "haiku", reviewer.Model)
	assert.Equal(t, "green", reviewer.Color)
	assert.Equal(t, "You review code.", reviewer.SystemPrompt)

	tester, ok := reg.Get("tester")
	require.True(t, ok)
	assert.Equal(t, []string{"Read", "Bash"}, tester.Tools)

	_, ok = reg.Get("broken")
	assert.False(t, ok)
}

func TestTemplateRegistryRequiresName(t *testing.T) {
	workDir := t.TempDir()
	writeTemplate(t, workDir, "anon.md", `---
description: No name field
---
Body text.`)

	reg := NewTemplateRegistry(workDir, testLogger(t))
	assert.Empty(t, reg.Names())
}

func TestTemplateRegistryEmptyWorkdir(t *testing.T) {
	reg := NewTemplateRegistry(t.TempDir(), testLogger(t))
	assert.Empty(t, reg.List())
	_, ok := reg.Get("anything")
	assert.False(t, ok)
}

func TestTemplateRegistryRediscover(t *testing.T) {
	workDir := t.TempDir()
	reg := NewTemplateRegistry(workDir, testLogger(t))
	assert.Empty(t, reg.Names())

	writeTemplate(t, workDir, "late.md", `---
name: late
---
Added after startup.`)

	reg.Discover()
	late, ok := reg.Get("late")
	require.True(t, ok)
	assert.Equal(t, "Added after startup.", late.SystemPrompt)
}
