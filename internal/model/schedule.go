package model

import (
	"time"

	"tankctl/internal/clock"
)

// ScheduleSettings is the per-device lighting configuration.
//
// Automatic control is suspended while PausedUntil is in the future. LastOn
// and LastOff record the last automatic fire of each edge; only their civil
// date matters.
type ScheduleSettings struct {
	DeviceID    string
	LightOn     clock.TimeOfDay
	LightOff    clock.TimeOfDay
	Enabled     bool
	PausedUntil *time.Time
	LastOn      *time.Time
	LastOff     *time.Time
	UpdatedAt   time.Time
}

// Paused reports whether automatic control is suspended at now.
func (s ScheduleSettings) Paused(now time.Time) bool {
	return s.PausedUntil != nil && now.Before(*s.PausedUntil)
}

// ClearOverride drops the pause and both daily markers.
func (s *ScheduleSettings) ClearOverride() {
	s.PausedUntil = nil
	s.LastOn = nil
	s.LastOff = nil
}

// ScheduleEvent names a ScheduleLog entry.
type ScheduleEvent string

const (
	ScheduleLightOn         ScheduleEvent = "light_on"
	ScheduleLightOff        ScheduleEvent = "light_off"
	ScheduleOverrideSet     ScheduleEvent = "override_set"
	ScheduleOverrideCleared ScheduleEvent = "override_cleared"
	ScheduleSettingsUpdated ScheduleEvent = "settings_updated"
)

// ScheduleLog is an append-only audit row; nothing reads it back for decisions.
type ScheduleLog struct {
	ID       int64
	DeviceID string
	Event    ScheduleEvent
	Trigger  Source
	At       time.Time
	Detail   string
}

// SettingsPatch carries the optional fields of a schedule update.
type SettingsPatch struct {
	LightOn  *clock.TimeOfDay
	LightOff *clock.TimeOfDay
	Enabled  *bool
}
