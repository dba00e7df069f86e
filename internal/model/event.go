package model

import "time"

// Domain event names published on the in-process bus.
const (
	EventDeviceRegistered = "device.registered"
	EventDeviceOnline     = "device.online"
	EventDeviceOffline    = "device.offline"
	EventDeviceAlert      = "device.offline_alert"

	EventCommandIssued         = "command.issued"
	EventCommandAcknowledged   = "command.acknowledged"
	EventCommandRetryScheduled = "command.retry_scheduled"
	EventCommandFailed         = "command.failed"

	EventScheduleFired   = "schedule.fired"
	EventOverrideSet     = "schedule.override_set"
	EventOverrideCleared = "schedule.override_cleared"
	EventSettingsUpdated = "schedule.settings_updated"
)

// Event is the payload carried by domain bus events. Only the fields relevant
// to Type are set.
type Event struct {
	Type       string    `json:"type"`
	At         time.Time `json:"at"`
	DeviceID   string    `json:"tank_id,omitempty"`
	DeviceName string    `json:"tank_name,omitempty"`

	CommandID   string      `json:"command_id,omitempty"`
	CommandType CommandType `json:"command_type,omitempty"`
	Source      Source      `json:"source,omitempty"`
	Status      Status      `json:"status,omitempty"`
	Retries     int         `json:"retries,omitempty"`
	NextRetryAt *time.Time  `json:"next_retry_at,omitempty"`

	PausedUntil *time.Time `json:"paused_until,omitempty"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`

	Detail string `json:"detail,omitempty"`
}

// CommandEvent builds an event describing c.
func CommandEvent(typ string, at time.Time, c Command) Event {
	ev := Event{
		Type:        typ,
		At:          at,
		DeviceID:    c.DeviceID,
		CommandID:   c.ID,
		CommandType: c.Payload.Type,
		Source:      c.Source,
		Status:      c.Status,
		Retries:     c.Retries,
		Detail:      c.Result,
	}
	if c.Status.Outstanding() {
		next := c.NextRetryAt
		ev.NextRetryAt = &next
	}
	return ev
}
