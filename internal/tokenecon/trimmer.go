package tokenecon

// TrimMode selects which limit dominates when trimming context.
type TrimMode string

const (
	// TrimModeBalanced applies both the message and token caps as
	// configured.
	TrimModeBalanced TrimMode = "balanced"

	// TrimModeTokenPriority tightens both caps to 80% to leave headroom
	// for the reply.
	TrimModeTokenPriority TrimMode = "token_priority"

	// TrimModeMessagePriority applies only the message cap.
	TrimModeMessagePriority TrimMode = "message_priority"
)

// Message is the trimmer's view of one history entry.
type Message struct {
	Sender string
	Text   string
}

// MessageStats summarizes a message window.
type MessageStats struct {
	TotalMessages       int
	TotalTokens         int
	UserMessages        int
	AssistantMessages   int
	SystemMessages      int
	ExceedsMessageLimit bool
	ExceedsTokenLimit   bool
}

// TrimmerConfig configures a Trimmer. Zero values fall back to defaults.
type TrimmerConfig struct {
	MaxMessages    int
	MaxTokens      int
	PreserveSystem *bool
	Mode           TrimMode
}

// Trimmer bounds a chat history window by message count and estimated
// tokens, keeping the most recent messages.
type Trimmer struct {
	maxMessages    int
	maxTokens      int
	preserveSystem bool
	mode           TrimMode
}

// NewTrimmer creates a Trimmer. Defaults: 50 messages, 100000 tokens,
// system messages preserved, balanced mode.
func NewTrimmer(cfg TrimmerConfig) *Trimmer {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 50
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 100000
	}
	preserve := true
	if cfg.PreserveSystem != nil {
		preserve = *cfg.PreserveSystem
	}
	if cfg.Mode == "" {
		cfg.Mode = TrimModeBalanced
	}
	return &Trimmer{
		maxMessages:    cfg.MaxMessages,
		maxTokens:      cfg.MaxTokens,
		preserveSystem: preserve,
		mode:           cfg.Mode,
	}
}

// Analyze reports statistics for a message window without modifying it.
func (t *Trimmer) Analyze(messages []Message) MessageStats {
	stats := MessageStats{TotalMessages: len(messages)}
	for _, m := range messages {
		stats.TotalTokens += EstimateTokens(m.Text)
		switch m.Sender {
		case "user":
			stats.UserMessages++
		case "system":
			stats.SystemMessages++
		default:
			stats.AssistantMessages++
		}
	}
	stats.ExceedsMessageLimit = stats.TotalMessages > t.maxMessages
	stats.ExceedsTokenLimit = stats.TotalTokens > t.maxTokens
	return stats
}

// Trim returns the most recent messages that fit both limits, in
// chronological order. Preserved system messages are prepended and do not
// count against the limits.
func (t *Trimmer) Trim(messages []Message) []Message {
	maxMessages := t.maxMessages
	maxTokens := t.maxTokens
	if t.mode == TrimModeTokenPriority {
		maxMessages = maxMessages * 80 / 100
		maxTokens = maxTokens * 80 / 100
	}

	var system []Message
	var rest []Message
	for _, m := range messages {
		if t.preserveSystem && m.Sender == "system" {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}

	// Walk newest to oldest, accumulating until a limit is reached.
	kept := 0
	tokens := 0
	for i := len(rest) - 1; i >= 0; i-- {
		if kept+1 > maxMessages {
			break
		}
		cost := EstimateTokens(rest[i].Text)
		if t.mode != TrimModeMessagePriority && tokens+cost > maxTokens {
			break
		}
		kept++
		tokens += cost
	}

	out := make([]Message, 0, len(system)+kept)
	out = append(out, system...)
	out = append(out, rest[len(rest)-kept:]...)
	return out
}
