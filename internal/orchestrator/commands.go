package orchestrator

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SlashCommand is a reusable prompt discovered from the orchestrator's
// working directory, shown to the user as a chat shortcut.
type SlashCommand struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	Body         string   `json:"-"`
}

type commandFrontmatter struct {
	Description  string `yaml:"description"`
	AllowedTools any    `yaml:"allowed-tools"`
}

// SlashCommands scans <workingDir>/.claude/commands/*.md. Files without
// frontmatter still register with the first line as a description.
func (s *Service) SlashCommands() []SlashCommand {
	dir := filepath.Join(s.WorkingDir(), ".claude", "commands")
	paths, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil || len(paths) == 0 {
		return nil
	}

	commands := make([]SlashCommand, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.WithError(err).WithFields(zap.String("path", path)).
				Warn("slash command read failed")
			continue
		}
		cmd := parseSlashCommand(path, string(data))
		commands = append(commands, cmd)
	}
	sort.Slice(commands, func(i, j int) bool { return commands[i].Name < commands[j].Name })
	return commands
}

func parseSlashCommand(path, content string) SlashCommand {
	name := strings.TrimSuffix(filepath.Base(path), ".md")
	cmd := SlashCommand{Name: name}

	body := content
	if strings.HasPrefix(content, "---") {
		if parts := strings.SplitN(content, "---", 3); len(parts) == 3 {
			var fm commandFrontmatter
			if err := yaml.Unmarshal([]byte(parts[1]), &fm); err == nil {
				cmd.Description = fm.Description
				cmd.AllowedTools = normalizeAllowedTools(fm.AllowedTools)
				body = parts[2]
			}
		}
	}
	cmd.Body = strings.TrimSpace(body)
	if cmd.Description == "" {
		cmd.Description = firstLine(cmd.Body)
	}
	return cmd
}

// normalizeAllowedTools accepts either a YAML list or a comma-separated
// string, mirroring template frontmatter.
func normalizeAllowedTools(raw any) []string {
	switch v := raw.(type) {
	case string:
		var tools []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tools = append(tools, t)
			}
		}
		return tools
	case []any:
		var tools []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				tools = append(tools, s)
			}
		}
		return tools
	default:
		return nil
	}
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(strings.TrimLeft(line, "# ")); line != "" {
			return line
		}
	}
	return ""
}
