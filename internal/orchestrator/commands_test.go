package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCommand(t *testing.T, workDir, file, content string) {
	t.Helper()
	dir := filepath.Join(workDir, ".claude", "commands")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
}

func TestSlashCommandsDiscovery(t *testing.T) {
	fx := newServiceFixture(t, defaultEconomyConfig(false))
	workDir := fx.svc.WorkingDir()

	writeCommand(t, workDir, "deploy.md", `---
description: Deploy the current branch
allowed-tools: command_agent, check_agent_status
---
Run the deploy playbook step by step.`)
	writeCommand(t, workDir, "triage.md", `---
description: Triage open incidents
allowed-tools:
  - read_system_logs
---
Walk the incident queue.`)
	writeCommand(t, workDir, "plain.md", "# Summarize standup\nCollect updates from every agent.")

	commands := fx.svc.SlashCommands()
	require.Len(t, commands, 3)

	// Sorted by name.
	assert.Equal(t, "deploy", commands[0].Name)
	assert.Equal(t, "plain", commands[1].Name)
	assert.Equal(t, "triage", commands[2].Name)

	assert.Equal(t, "Deploy the current branch", commands[0].Description)
	assert.Equal(t, []string{"command_agent", "check_agent_status"}, commands[0].AllowedTools)
	assert.Equal(t, "Run the deploy playbook step by step.", commands[0].Body)

	assert.Equal(t, []string{"read_system_logs"}, commands[2].AllowedTools)

	// No frontmatter: first line, stripped of heading markers.
	assert.Equal(t, "Summarize standup", commands[1].Description)
	assert.Nil(t, commands[1].AllowedTools)
}

func TestSlashCommandsEmptyDir(t *testing.T) {
	fx := newServiceFixture(t, defaultEconomyConfig(false))
	assert.Nil(t, fx.svc.SlashCommands())
}

func TestParseSlashCommandFrontmatterVariants(t *testing.T) {
	cmd := parseSlashCommand("/x/review.md", `---
description: Review the diff
allowed-tools: Read
---
Body text.`)
	assert.Equal(t, "review", cmd.Name)
	assert.Equal(t, []string{"Read"}, cmd.AllowedTools)
	assert.Equal(t, "Body text.", cmd.Body)

	cmd = parseSlashCommand("/x/bare.md", "Just the prompt body.")
	assert.Equal(t, "bare", cmd.Name)
	assert.Equal(t, "Just the prompt body.", cmd.Description)
	assert.Empty(t, cmd.AllowedTools)
}
