// Package events selects the event bus the gateway mirrors lifecycle
// events onto: NATS when a URL is configured, the in-process bus otherwise.
package events

import (
	"fmt"
	"strings"

	"github.com/conductor/conductor/internal/common/config"
	"github.com/conductor/conductor/internal/common/logger"
	"github.com/conductor/conductor/internal/events/bus"
)

// Provide builds the configured event bus. The returned cleanup closes it
// and must run before process exit so NATS drains in-flight messages.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) == "" {
		memBus := bus.NewMemoryEventBus(log)
		return memBus, func() error { memBus.Close(); return nil }, nil
	}

	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, nil, fmt.Errorf("connect event bus: %w", err)
	}
	return natsBus, func() error { natsBus.Close(); return nil }, nil
}
