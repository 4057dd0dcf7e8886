package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/conductor/conductor/internal/common/logger"
)

// Template is a reusable worker configuration parsed from a markdown file
// with YAML frontmatter. The body after the frontmatter is the system
// prompt.
type Template struct {
	Name         string
	Description  string
	Tools        []string
	Model        string
	Color        string
	SystemPrompt string
	Path         string
}

type templateFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Tools       any    `yaml:"tools"`
	Model       string `yaml:"model"`
	Color       string `yaml:"color"`
}

// TemplateRegistry discovers templates under <workingDir>/.claude/agents.
type TemplateRegistry struct {
	mu        sync.RWMutex
	dir       string
	templates map[string]*Template
	logger    *logger.Logger
}

// NewTemplateRegistry scans the working directory's template folder. A
// missing folder is not an error; the registry just stays empty.
func NewTemplateRegistry(workingDir string, log *logger.Logger) *TemplateRegistry {
	if log == nil {
		log = logger.Default()
	}
	r := &TemplateRegistry{
		dir:       filepath.Join(workingDir, ".claude", "agents"),
		templates: make(map[string]*Template),
		logger:    log,
	}
	r.Discover()
	return r
}

// Discover re-scans the template directory, replacing the cached set.
// Invalid files are skipped with a warning.
func (r *TemplateRegistry) Discover() {
	templates := make(map[string]*Template)

	paths, err := filepath.Glob(filepath.Join(r.dir, "*.md"))
	if err != nil {
		r.logger.WithError(err).Warn("template scan failed")
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.WithError(err).WithFields(zap.String("path", path)).
				Warn("template read failed")
			continue
		}
		tpl, err := parseTemplate(path, string(data))
		if err != nil {
			r.logger.WithError(err).WithFields(zap.String("path", path)).
				Warn("skipping invalid template")
			continue
		}
		templates[tpl.Name] = tpl
	}

	r.mu.Lock()
	r.templates = templates
	r.mu.Unlock()

	if len(templates) > 0 {
		r.logger.WithFields(
			zap.Int("count", len(templates)),
			zap.String("names", strings.Join(sortedKeys(templates), ", ")),
		).Info("Loaded agent templates")
	}
}

// Get returns a template by name.
func (r *TemplateRegistry) Get(name string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.templates[name]
	return tpl, ok
}

// List returns all templates sorted by name.
func (r *TemplateRegistry) List() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Template, 0, len(r.templates))
	for _, name := range sortedKeys(r.templates) {
		out = append(out, r.templates[name])
	}
	return out
}

// Names returns the sorted template names.
func (r *TemplateRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.templates)
}

// parseTemplate splits a template file into YAML frontmatter and a system
// prompt body. The file must open with a `---` fence and close it before
// the body.
func parseTemplate(path, content string) (*Template, error) {
	if !strings.HasPrefix(content, "---") {
		return nil, fmt.Errorf("missing frontmatter delimiter")
	}
	parts := strings.SplitN(content, "---", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("incomplete frontmatter")
	}

	var fm templateFrontmatter
	if err := yaml.Unmarshal([]byte(parts[1]), &fm); err != nil {
		return nil, fmt.Errorf("invalid frontmatter: %w", err)
	}
	if fm.Name == "" {
		return nil, fmt.Errorf("frontmatter missing name")
	}

	return &Template{
		Name:         fm.Name,
		Description:  fm.Description,
		Tools:        normalizeTools(fm.Tools),
		Model:        fm.Model,
		Color:        fm.Color,
		SystemPrompt: strings.TrimSpace(parts[2]),
		Path:         path,
	}, nil
}

// normalizeTools accepts either a YAML list or a comma-separated string.
func normalizeTools(raw any) []string {
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

func sortedKeys(m map[string]*Template) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
