package model

import "time"

// Device is a registered tank controller.
type Device struct {
	ID       string
	Name     string
	Location string

	LastSeen time.Time
	IsOnline bool

	// Sensor snapshot from the latest heartbeat; nil until first reported.
	Temperature *float64
	PH          *float64
	LightState  *bool

	FirmwareVersion string
	TokenIssuedAt   time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatusReport is one heartbeat as sent by a device.
type StatusReport struct {
	Temperature     *float64
	PH              *float64
	LightState      *bool
	FirmwareVersion string
}

// StatusLog is an append-only heartbeat row.
type StatusLog struct {
	ID              int64
	DeviceID        string
	Temperature     *float64
	PH              *float64
	LightState      *bool
	FirmwareVersion string
	At              time.Time
}

// AlertState rate-limits repeated offline alerts for one device.
type AlertState struct {
	DeviceID    string
	LastAlertAt time.Time
}
