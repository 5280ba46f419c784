package hooks

import (
	"context"
	"fmt"
	"slices"

	"github.com/soyeahso/llmgate/internal/logging"
)

// auditHandlerName identifies the audit subscriber in On/Off.
const auditHandlerName = "audit"

// Audit subscribes a handler that writes one structured log line per
// event. With no events given it subscribes to AllEvents.
func (m *Manager) Audit(log *logging.Logger, events ...string) {
	if m == nil {
		return
	}
	if len(events) == 0 {
		events = AllEvents
	}
	audit := log.Sub("audit")
	for _, event := range events {
		m.On(event, auditHandlerName, func(_ context.Context, p Payload) error {
			ev := audit.Info()
			if p.Event == EventCompletionFailed || p.Event == EventProviderFailover {
				ev = audit.Warn()
			}
			keys := make([]string, 0, len(p.Data))
			for k := range p.Data {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				switch v := p.Data[k].(type) {
				case string:
					ev = ev.Str(k, v)
				case int:
					ev = ev.Int(k, v)
				case bool:
					ev = ev.Bool(k, v)
				case error:
					ev = ev.AnErr(k, v)
				default:
					ev = ev.Str(k, fmt.Sprint(v))
				}
			}
			ev.Msg(p.Event)
			return nil
		})
	}
}
