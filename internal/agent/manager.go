// Package agent owns the worker agent lifecycle: creation from scratch or
// from templates, asynchronous command execution with per-task logging,
// interruption, and the management tools the orchestrator calls mid-turn.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/conductor/conductor/internal/common/logger"
	"github.com/conductor/conductor/internal/common/stringutil"
	"github.com/conductor/conductor/internal/hooks"
	"github.com/conductor/conductor/internal/llm"
	"github.com/conductor/conductor/internal/store"
	"github.com/conductor/conductor/internal/summarizer"
	"github.com/conductor/conductor/internal/tracker"
)

const (
	greetingPrompt = "Ready. Awaiting instructions."
	taskSlugHead   = 50
)

// Notifier is the broadcast surface the manager pushes agent events
// through. The gateway broadcaster satisfies it.
type Notifier interface {
	AgentCreated(agent map[string]any)
	AgentUpdated(agent map[string]any)
	AgentDeleted(agentID string)
	AgentStatusChanged(agentID, oldStatus, newStatus string)
	AgentLog(log map[string]any)
	AgentSummaryUpdate(agentID, summary string)
}

// Config carries the manager's fixed identity and model tiers.
type Config struct {
	OwnerID      string
	WorkingDir   string
	DefaultModel string
	FastModel    string
	PremiumModel string
	MaxTurns     int

	// ContextWindow is the token window report_cost measures against.
	ContextWindow int
}

// Manager runs worker agents for one orchestrator. Active sessions are
// tracked by agent name so a running command can be interrupted; settled
// sessions stay in the registry under their session id so the next command
// resumes the same in-memory transcript.
type Manager struct {
	cfg       Config
	store     *store.Store
	client    *llm.Client
	broadcast Notifier
	summaries hooks.Summaries
	templates *TemplateRegistry
	registry  *llm.SessionRegistry
	logger    *logger.Logger

	mu       sync.Mutex
	active   map[string]*llm.Session
	trackers map[string]*tracker.Tracker

	// onSubagentStop, when set, fires after a dispatched command finishes.
	// The orchestrator wires its subagent-stop hook here.
	onSubagentStop func(agentID string)
}

// NewManager builds a manager. summaries may be nil to disable background
// summarization.
func NewManager(cfg Config, st *store.Store, client *llm.Client, broadcast Notifier, summaries hooks.Summaries, templates *TemplateRegistry, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		cfg:       cfg,
		store:     st,
		client:    client,
		broadcast: broadcast,
		summaries: summaries,
		templates: templates,
		registry:  llm.NewSessionRegistry(),
		logger:    log,
		active:    make(map[string]*llm.Session),
		trackers:  make(map[string]*tracker.Tracker),
	}
}

// LiveSessions returns the number of worker sessions held in memory.
func (m *Manager) LiveSessions() int { return m.registry.Len() }

// Templates returns the template registry.
func (m *Manager) Templates() *TemplateRegistry { return m.templates }

// SetOwner binds the manager to its orchestrator once the row is resolved.
// Must be called before the first agent operation.
func (m *Manager) SetOwner(ownerID string) {
	m.mu.Lock()
	m.cfg.OwnerID = ownerID
	m.mu.Unlock()
}

// SetSubagentStopFunc registers a callback fired after each dispatched
// command completes, regardless of outcome.
func (m *Manager) SetSubagentStopFunc(fn func(agentID string)) {
	m.mu.Lock()
	m.onSubagentStop = fn
	m.mu.Unlock()
}

func (m *Manager) notifySubagentStop(agentID string) {
	m.mu.Lock()
	fn := m.onSubagentStop
	m.mu.Unlock()
	if fn != nil {
		fn(agentID)
	}
}

// resolveModel maps tier aliases to concrete model names. Unknown strings
// pass through as explicit model names.
func (m *Manager) resolveModel(input string) string {
	switch strings.ToLower(input) {
	case "":
		return m.cfg.DefaultModel
	case "sonnet":
		return m.cfg.DefaultModel
	case "haiku", "fast":
		return m.cfg.FastModel
	case "opus":
		return m.cfg.PremiumModel
	default:
		return input
	}
}

// CreateResult reports a successful agent creation.
type CreateResult struct {
	AgentID   string
	SessionID string
	Model     string
}

// CreateAgent persists a new worker, runs its greeting turn to obtain a
// session token, and broadcasts the creation. With a template name the
// template's prompt, model and metadata are applied.
func (m *Manager) CreateAgent(ctx context.Context, name, systemPrompt, modelInput, templateName string) (*CreateResult, error) {
	model := m.resolveModel(modelInput)
	metadata := map[string]any{}

	if templateName != "" {
		tpl, ok := m.templates.Get(templateName)
		if !ok {
			available := strings.Join(m.templates.Names(), ", ")
			if available == "" {
				available = "None - create templates in .claude/agents/"
			}
			return nil, fmt.Errorf("template %q not found. Available: %s", templateName, available)
		}
		systemPrompt = tpl.SystemPrompt
		if tpl.Model != "" {
			model = m.resolveModel(tpl.Model)
		}
		metadata["template_name"] = tpl.Name
		if tpl.Color != "" {
			metadata["template_color"] = tpl.Color
		}
	}

	if _, err := m.store.GetAgentByName(ctx, m.cfg.OwnerID, name); err == nil {
		return nil, fmt.Errorf("agent name %q is already in use", name)
	} else if !errors.Is(err, store.ErrAgentNotFound) {
		return nil, err
	}

	agent, err := m.store.CreateAgent(ctx, m.cfg.OwnerID, name, model, systemPrompt, m.cfg.WorkingDir, metadata)
	if err != nil {
		return nil, err
	}

	tr := m.trackerFor(agent.ID, agent.WorkingDir)
	taskSlug := name + "-greeting"
	counter := &hooks.Counter{}

	session := llm.NewSession(m.client, llm.SessionConfig{
		Model:        model,
		SystemPrompt: systemPrompt,
		WorkingDir:   m.cfg.WorkingDir,
		MaxTurns:     m.cfg.MaxTurns,
		Hooks:        m.buildHooks(agent.ID, name, taskSlug, nil, counter, tr),
	}, m.logger)

	ch, err := session.Query(ctx, greetingPrompt)
	if err != nil {
		return nil, fmt.Errorf("greeting query: %w", err)
	}
	res := m.pump(ctx, ch, agent.ID, name, taskSlug, counter, tr, model)
	if res.err != nil {
		return nil, fmt.Errorf("greeting turn: %w", res.err)
	}

	if res.sessionID != "" {
		if err := m.store.UpdateAgentSession(ctx, agent.ID, &res.sessionID); err != nil {
			return nil, err
		}
		m.registry.Put(session)
	}

	if m.broadcast != nil {
		m.broadcast.AgentCreated(map[string]any{
			"id":     agent.ID,
			"name":   name,
			"model":  model,
			"status": store.StatusIdle,
		})
	}

	m.logger.WithAgentID(agent.ID).Info("Created agent " + name)
	return &CreateResult{AgentID: agent.ID, SessionID: res.sessionID, Model: model}, nil
}

// ExecuteCommand runs one command against an agent: prompt row, hooks,
// session resume, message pump, session/status updates. The agent's status
// is forced to executing for the duration and lands on idle or blocked.
func (m *Manager) ExecuteCommand(ctx context.Context, agentID, command, taskSlug string) (string, error) {
	agent, err := m.store.GetAgentByID(ctx, agentID)
	if err != nil {
		return "", err
	}

	if taskSlug == "" {
		taskSlug = stringutil.TaskSlug(command, taskSlugHead, time.Now().UTC())
	}

	tr := m.trackerFor(agent.ID, agent.WorkingDir)
	tr.Reset()
	counter := &hooks.Counter{}

	promptID, err := m.store.InsertPrompt(ctx, agent.ID, taskSlug, store.AuthorOrchestrator, command, agent.SessionID)
	if err != nil {
		return "", err
	}
	if m.summaries != nil {
		m.summaries.Go(summarizer.Event{Type: summarizer.EventUserPromptSubmit, Content: command}, func(summary string) {
			if err := m.store.UpdatePromptSummary(context.Background(), promptID, summary); err != nil {
				m.logger.WithError(err).Warn("prompt summary update failed")
			}
		})
	}

	cfg := llm.SessionConfig{
		Model:        agent.Model,
		SystemPrompt: agent.SystemPrompt,
		WorkingDir:   agent.WorkingDir,
		MaxTurns:     m.cfg.MaxTurns,
		Hooks:        m.buildHooks(agent.ID, agent.Name, taskSlug, agent.SessionID, counter, tr),
	}

	var session *llm.Session
	switch {
	case agent.SessionID != nil && *agent.SessionID != "":
		// A live session keeps its in-memory transcript; rebind the
		// per-task hooks before querying it again.
		if live, ok := m.registry.Get(*agent.SessionID); ok {
			live.SetModel(agent.Model)
			live.SetHooks(cfg.Hooks)
			session = live
		} else {
			session = llm.ResumeSession(m.client, cfg, *agent.SessionID, nil, m.logger)
		}
	default:
		session = llm.NewSession(m.client, cfg, m.logger)
	}

	if err := m.setStatus(ctx, agent.ID, agent.Status, store.StatusExecuting); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.active[agent.Name] = session
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, agent.Name)
		m.mu.Unlock()
	}()

	ch, err := session.Query(ctx, command)
	if err != nil {
		_ = m.setStatus(ctx, agent.ID, store.StatusExecuting, store.StatusBlocked)
		return "", err
	}

	res := m.pump(ctx, ch, agent.ID, agent.Name, taskSlug, counter, tr, agent.Model)
	if res.err != nil {
		_ = m.setStatus(ctx, agent.ID, store.StatusExecuting, store.StatusBlocked)
		return "", res.err
	}

	if res.sessionID != "" && (agent.SessionID == nil || *agent.SessionID != res.sessionID) {
		if err := m.store.UpdateAgentSession(ctx, agent.ID, &res.sessionID); err != nil {
			m.logger.WithError(err).WithAgentID(agent.ID).Warn("session update failed")
		}
	}
	if res.sessionID != "" {
		m.registry.Put(session)
	}
	if err := m.setStatus(ctx, agent.ID, store.StatusExecuting, store.StatusIdle); err != nil {
		return "", err
	}

	m.logger.WithAgentID(agent.ID).WithTaskSlug(taskSlug).Info("Agent completed task")
	return taskSlug, nil
}

// DeleteAgent soft-deletes a worker and frees its tracker.
func (m *Manager) DeleteAgent(ctx context.Context, agentName string) (string, error) {
	agent, err := m.store.GetAgentByName(ctx, m.cfg.OwnerID, agentName)
	if err != nil {
		return "", err
	}
	if err := m.store.SoftDeleteAgent(ctx, agent.ID); err != nil {
		return "", err
	}

	m.mu.Lock()
	delete(m.trackers, agent.ID)
	m.mu.Unlock()
	if agent.SessionID != nil && *agent.SessionID != "" {
		m.registry.Remove(*agent.SessionID)
	}

	if m.broadcast != nil {
		m.broadcast.AgentDeleted(agent.ID)
	}
	return agent.ID, nil
}

// Interrupt cancels an agent's running session. The return reports whether
// the agent was running at all.
func (m *Manager) Interrupt(agentName string) bool {
	m.mu.Lock()
	session, ok := m.active[agentName]
	if ok {
		delete(m.active, agentName)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	session.Interrupt()
	return true
}

// IsActive reports whether the named agent has a running session.
func (m *Manager) IsActive(agentName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[agentName]
	return ok
}

func (m *Manager) buildHooks(agentID, agentName, taskSlug string, sessionID *string, counter *hooks.Counter, tr *tracker.Tracker) llm.Hooks {
	b := &hooks.Builder{
		AgentID:    agentID,
		AgentName:  agentName,
		TaskSlug:   taskSlug,
		SessionID:  sessionID,
		Counter:    counter,
		Store:      m.store,
		Broadcast:  m.broadcast,
		Summarizer: m.summaries,
		Tracker:    tr,
		Logger:     m.logger,
	}
	return b.Build()
}

func (m *Manager) trackerFor(agentID, workingDir string) *tracker.Tracker {
	if workingDir == "" {
		workingDir = m.cfg.WorkingDir
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.trackers[agentID]; ok {
		return tr
	}
	tr := tracker.New(workingDir, m.logger)
	m.trackers[agentID] = tr
	return tr
}

func (m *Manager) setStatus(ctx context.Context, agentID, oldStatus, newStatus string) error {
	if err := m.store.UpdateAgentStatus(ctx, agentID, newStatus); err != nil {
		return err
	}
	if m.broadcast != nil {
		m.broadcast.AgentStatusChanged(agentID, oldStatus, newStatus)
	}
	return nil
}
