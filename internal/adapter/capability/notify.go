package capability

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"clawnode/internal/domain"
)

// Notify surfaces gateway notifications on the host. Headless nodes have no
// notification tray, so each notification becomes a structured log record.
type Notify struct {
	next   atomic.Int64
	logger *slog.Logger
}

// NewNotify creates the notify capability. Notification ids start at 1000.
func NewNotify(logger *slog.Logger) *Notify {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notify{logger: logger}
	n.next.Store(1000)
	return n
}

func (n *Notify) Name() string      { return "notify" }
func (n *Notify) Actions() []string { return []string{"notify"} }

func (n *Notify) ParamSchemas() map[string]json.RawMessage {
	return map[string]json.RawMessage{
		"notify": json.RawMessage(`{
			"type": "object",
			"properties": {
				"title": {"type": "string"},
				"body": {"type": "string"},
				"priority": {"enum": ["passive", "active", "timeSensitive"]}
			}
		}`),
	}
}

func (n *Notify) Execute(_ context.Context, cmd domain.Command) (*domain.Result, error) {
	title := stringParam(cmd.Params, "title", "clawnode")
	body := stringParam(cmd.Params, "body", "")
	priority := stringParam(cmd.Params, "priority", "active")

	id := n.next.Add(1) - 1
	level := slog.LevelInfo
	if priority == "timeSensitive" {
		level = slog.LevelWarn
	}
	n.logger.Log(context.Background(), level, "notification",
		"notification_id", id, "title", title, "body", body, "priority", priority)

	return domain.OK(map[string]any{"notificationId": id}), nil
}
