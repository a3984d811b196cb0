package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Operator commands accepted on the command queue.
const (
	CommandRetentionSweep = "retention.sweep"
	CommandDigestSend     = "digest.send"
)

// Command is the optional message body. When Command is empty the routing
// key names the command.
type Command struct {
	Command     string `json:"command"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

// Trigger runs a job on demand.
type Trigger func(ctx context.Context) error

// Dispatcher routes operator commands to manual job triggers.
type Dispatcher struct {
	triggers map[string]Trigger
	logger   *zap.Logger
}

func NewDispatcher(triggers map[string]Trigger, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{triggers: triggers, logger: logger}
}

// Handle is a MessageHandler. Unknown commands and malformed bodies are
// errors, so they end up in the dead-letter queue.
func (d *Dispatcher) Handle(ctx context.Context, routingKey string, body []byte) error {
	var cmd Command
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &cmd); err != nil {
			return fmt.Errorf("invalid command body: %w", err)
		}
	}
	name := cmd.Command
	if name == "" {
		name = routingKey
	}

	trigger, ok := d.triggers[name]
	if !ok {
		return fmt.Errorf("unknown command %q (known: %s)", name, strings.Join(d.known(), ", "))
	}

	d.logger.Info("running operator command", zap.String("command", name), zap.String("requested_by", cmd.RequestedBy))
	if err := trigger(ctx); err != nil {
		return fmt.Errorf("command %s: %w", name, err)
	}
	return nil
}

func (d *Dispatcher) known() []string {
	names := make([]string, 0, len(d.triggers))
	for n := range d.triggers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
