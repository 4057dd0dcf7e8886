// Package tracker accumulates per-agent file operations during a task and
// produces a change dossier from git at task end.
package tracker

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conductor/conductor/internal/common/logger"
)

// File statuses reported in a change dossier.
const (
	StatusCreated  = "created"
	StatusModified = "modified"
	StatusDeleted  = "deleted"
)

// FileChange describes one modified path.
type FileChange struct {
	Path      string `json:"path"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Diff      string `json:"diff"`
}

// Dossier is the payload merged into the closing text-block log of a task.
type Dossier struct {
	FileChanges        []FileChange `json:"file_changes"`
	ReadFiles          []string     `json:"read_files"`
	TotalFilesModified int          `json:"total_files_modified"`
	TotalFilesRead     int          `json:"total_files_read"`
	GeneratedAt        string       `json:"generated_at"`
}

// gitRunner executes a git command in dir and returns combined output.
type gitRunner func(ctx context.Context, dir string, args ...string) (string, error)

// Tracker records file reads and modifications observed through tool use.
// One tracker serves one agent; callers reset it between tasks.
type Tracker struct {
	mu        sync.Mutex
	workDir   string
	readPaths map[string]struct{}
	modified  map[string]map[string]any
	shellRan  bool
	run       gitRunner
	logger    *logger.Logger
}

// New builds a tracker rooted at the agent's working directory.
func New(workDir string, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.Default()
	}
	return &Tracker{
		workDir:   workDir,
		readPaths: make(map[string]struct{}),
		modified:  make(map[string]map[string]any),
		run:       runGit,
		logger:    log,
	}
}

// RecordToolUse classifies a completed tool call. Write, Edit and MultiEdit
// mark their file_path as modified; Read marks it as read. Bash carries no
// path, so it only flags that a working-tree scan is needed at dossier time.
func (t *Tracker) RecordToolUse(toolName string, input map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch toolName {
	case "Write", "Edit", "MultiEdit":
		if path := t.pathFrom(input); path != "" {
			t.modified[path] = input
		}
	case "Read":
		if path := t.pathFrom(input); path != "" {
			t.readPaths[path] = struct{}{}
		}
	case "Bash":
		t.shellRan = true
	}
}

// ReadFiles returns the recorded read paths, sorted.
func (t *Tracker) ReadFiles() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	paths := make([]string, 0, len(t.readPaths))
	for p := range t.readPaths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// LastToolInput returns the most recent tool input recorded for a modified
// path, if any.
func (t *Tracker) LastToolInput(path string) (map[string]any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	input, ok := t.modified[t.resolve(path)]
	return input, ok
}

// Reset clears all recorded operations.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readPaths = make(map[string]struct{})
	t.modified = make(map[string]map[string]any)
	t.shellRan = false
}

// FileChanges builds the per-file diff records for every modified path.
// When a shell command ran, the working tree is scanned for changes the
// tool inputs could not attribute to a path.
func (t *Tracker) FileChanges(ctx context.Context) []FileChange {
	t.mu.Lock()
	paths := make([]string, 0, len(t.modified))
	for p := range t.modified {
		paths = append(paths, p)
	}
	shellRan := t.shellRan
	t.mu.Unlock()

	if shellRan {
		for _, p := range t.scanWorkingTree(ctx) {
			if !contains(paths, p) {
				paths = append(paths, p)
			}
		}
	}
	sort.Strings(paths)

	changes := make([]FileChange, 0, len(paths))
	for _, path := range paths {
		change, err := t.describe(ctx, path)
		if err != nil {
			t.logger.WithError(err).WithFields(zap.String("path", path)).
				Warn("file change description failed")
			continue
		}
		changes = append(changes, change)
	}
	return changes
}

// Dossier assembles the full change report. The second return is false when
// no file operations were recorded.
func (t *Tracker) Dossier(ctx context.Context) (*Dossier, bool) {
	changes := t.FileChanges(ctx)
	reads := t.ReadFiles()
	if len(changes) == 0 && len(reads) == 0 {
		return nil, false
	}
	return &Dossier{
		FileChanges:        changes,
		ReadFiles:          reads,
		TotalFilesModified: len(changes),
		TotalFilesRead:     len(reads),
		GeneratedAt:        time.Now().UTC().Format(time.RFC3339),
	}, true
}

func (t *Tracker) describe(ctx context.Context, path string) (FileChange, error) {
	status, untracked, err := t.fileStatus(ctx, path)
	if err != nil {
		return FileChange{}, err
	}

	var diff string
	if untracked {
		diff, err = t.run(ctx, t.workDir, "diff", "--no-index", "--", "/dev/null", path)
	} else {
		diff, err = t.run(ctx, t.workDir, "diff", "HEAD", "--", path)
	}
	if err != nil {
		return FileChange{}, err
	}

	additions, deletions := countDiffLines(diff)
	return FileChange{
		Path:      path,
		Status:    status,
		Additions: additions,
		Deletions: deletions,
		Diff:      diff,
	}, nil
}

// fileStatus maps porcelain output to created/modified/deleted. Untracked
// files diff against /dev/null.
func (t *Tracker) fileStatus(ctx context.Context, path string) (status string, untracked bool, err error) {
	out, err := t.run(ctx, t.workDir, "status", "--porcelain", "--", path)
	if err != nil {
		return "", false, err
	}
	line := strings.TrimRight(out, "\n")
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if len(line) < 2 {
		return StatusModified, false, nil
	}
	code := line[:2]
	switch {
	case code == "??":
		return StatusCreated, true, nil
	case code[0] == 'A':
		return StatusCreated, false, nil
	case code[0] == 'D' || code[1] == 'D':
		return StatusDeleted, false, nil
	default:
		return StatusModified, false, nil
	}
}

// scanWorkingTree returns paths git reports as changed, resolved absolute.
func (t *Tracker) scanWorkingTree(ctx context.Context) []string {
	out, err := t.run(ctx, t.workDir, "status", "--porcelain")
	if err != nil {
		t.logger.WithError(err).Warn("working tree scan failed")
		return nil
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		paths = append(paths, t.resolve(strings.TrimSpace(line[3:])))
	}
	return paths
}

func (t *Tracker) pathFrom(input map[string]any) string {
	raw, _ := input["file_path"].(string)
	if raw == "" {
		return ""
	}
	return t.resolve(raw)
}

// resolve returns an absolute, symlink-resolved path.
func (t *Tracker) resolve(path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.workDir, path)
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}

// countDiffLines counts added and removed lines, excluding the +++/---
// file headers.
func countDiffLines(diff string) (additions, deletions int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			additions++
		case strings.HasPrefix(line, "-"):
			deletions++
		}
	}
	return additions, deletions
}

func contains(paths []string, p string) bool {
	for _, have := range paths {
		if have == p {
			return true
		}
	}
	return false
}

// runGit shells out to git. `git diff --no-index` exits 1 when the files
// differ, which is the expected case here, so that exit code with output
// is treated as success.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && len(out) > 0 {
			return string(out), nil
		}
		return "", err
	}
	return string(out), nil
}
