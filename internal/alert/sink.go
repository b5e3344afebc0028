package alert

import (
	"context"
	"time"

	"execution_engine/internal/core"
)

// Sink adapts the alert manager to the engine's monitoring interface.
// Emit never blocks: the manager dispatches asynchronously.
type Sink struct {
	manager *AlertManager
}

func NewSink(manager *AlertManager) *Sink {
	return &Sink{manager: manager}
}

func (s *Sink) Emit(event core.MonitorEvent) {
	fields := map[string]string{
		"order_id": event.OrderID,
		"symbol":   event.Symbol,
	}
	if event.ReasonCode != "" {
		fields["reason"] = event.ReasonCode
	}
	for k, v := range event.Fields {
		fields[k] = v
	}

	s.manager.Alert(context.Background(),
		string(event.Type), alertMessage(event), levelFor(event.Type), fields)
}

func levelFor(t core.EventType) AlertLevel {
	switch t {
	case core.EventDailyLossHalt:
		return Critical
	case core.EventRiskLimitBreached, core.EventOrderExpired:
		return Warning
	case core.EventOrderRejected:
		return Error
	default:
		return Info
	}
}

func alertMessage(event core.MonitorEvent) string {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return string(event.Type) + " at " + ts.Format(time.RFC3339)
}
