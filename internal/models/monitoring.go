package models

import "time"

// AlertRule triggers when a named counter crosses a threshold within a
// window.
type AlertRule struct {
	BaseModel
	Name      string  `json:"name"`
	Counter   string  `json:"counter"`
	Threshold float64 `json:"threshold"`
	Enabled   bool    `json:"enabled"`
}

// Clone returns a copy of the rule.
func (r AlertRule) Clone() AlertRule { return r }

// MetricsSnapshot is the Orchestrator's point-in-time view over every
// subsystem's event counters.
type MetricsSnapshot struct {
	UptimeSeconds float64            `json:"uptime_seconds"`
	Counters      map[string]int64   `json:"counters"`
	SnapshotAt    time.Time          `json:"snapshot_at"`
}

// IAMEvent is a single fan-out notification emitted by the orchestrator
// whenever a subsystem listener fires.
type IAMEvent struct {
	Subsystem string                 `json:"subsystem"`
	Name      string                 `json:"name"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	At        time.Time              `json:"at"`
}
