package httpapi

import (
	"time"

	"tankctl/internal/clock"
	"tankctl/internal/fleet"
	"tankctl/internal/model"
)

type messageJSON struct {
	Message string `json:"message"`
}

type registerRequest struct {
	AuthKey         string           `json:"auth_key"`
	TankName        string           `json:"tank_name"`
	Location        string           `json:"location"`
	FirmwareVersion string           `json:"firmware_version"`
	LightOn         *clock.TimeOfDay `json:"light_on"`
	LightOff        *clock.TimeOfDay `json:"light_off"`
}

type registerResponse struct {
	Message         string          `json:"message"`
	TankID          string          `json:"tank_id"`
	AccessToken     string          `json:"access_token"`
	FirmwareVersion string          `json:"firmware_version,omitempty"`
	LightOn         clock.TimeOfDay `json:"light_on"`
	LightOff        clock.TimeOfDay `json:"light_off"`
	Enabled         bool            `json:"is_schedule_enabled"`
}

func toRegisterResponse(r fleet.Registration) registerResponse {
	msg := "Tank registered successfully"
	if !r.Created {
		msg = "Tank re-registered; token refreshed"
	}
	return registerResponse{
		Message:         msg,
		TankID:          r.DeviceID,
		AccessToken:     r.AccessToken,
		FirmwareVersion: r.FirmwareVersion,
		LightOn:         r.Settings.LightOn,
		LightOff:        r.Settings.LightOff,
		Enabled:         r.Settings.Enabled,
	}
}

type pendingCommandJSON struct {
	CommandID string        `json:"command_id"`
	Payload   model.Payload `json:"command_payload"`
}

type ackRequest struct {
	CommandID string `json:"command_id"`
	Success   *bool  `json:"success"`
	Result    string `json:"result"`
}

type statusRequest struct {
	Temperature     *float64 `json:"temperature"`
	PH              *float64 `json:"ph"`
	LightState      *bool    `json:"light_state"`
	FirmwareVersion string   `json:"firmware_version"`
}

type issueRequest struct {
	Payload *model.Payload `json:"command_payload"`
	Source  string         `json:"source"`
}

type commandJSON struct {
	CommandID   string        `json:"command_id"`
	TankID      string        `json:"tank_id"`
	Payload     model.Payload `json:"command_payload"`
	Source      model.Source  `json:"source"`
	Status      model.Status  `json:"status"`
	Retries     int           `json:"retries"`
	NextRetryAt time.Time     `json:"next_retry_at"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Result      string        `json:"result,omitempty"`
}

func toCommandJSON(c model.Command) commandJSON {
	return commandJSON{
		CommandID:   c.ID,
		TankID:      c.DeviceID,
		Payload:     c.Payload,
		Source:      c.Source,
		Status:      c.Status,
		Retries:     c.Retries,
		NextRetryAt: c.NextRetryAt,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		CompletedAt: c.CompletedAt,
		Result:      c.Result,
	}
}

type settingsJSON struct {
	TankID      string          `json:"tank_id"`
	LightOn     clock.TimeOfDay `json:"light_on"`
	LightOff    clock.TimeOfDay `json:"light_off"`
	Enabled     bool            `json:"is_schedule_enabled"`
	PausedUntil *time.Time      `json:"paused_until"`
	LastOn      *time.Time      `json:"last_schedule_check_on"`
	LastOff     *time.Time      `json:"last_schedule_check_off"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func toSettingsJSON(s model.ScheduleSettings) settingsJSON {
	return settingsJSON{
		TankID:      s.DeviceID,
		LightOn:     s.LightOn,
		LightOff:    s.LightOff,
		Enabled:     s.Enabled,
		PausedUntil: s.PausedUntil,
		LastOn:      s.LastOn,
		LastOff:     s.LastOff,
		UpdatedAt:   s.UpdatedAt,
	}
}

type settingsUpdateRequest struct {
	TankID   string           `json:"tank_id"`
	LightOn  *clock.TimeOfDay `json:"light_on"`
	LightOff *clock.TimeOfDay `json:"light_off"`
	Enabled  *bool            `json:"is_schedule_enabled"`
}

type overrideRequest struct {
	TankID  string `json:"tank_id"`
	Command string `json:"override_command"`
}

type deviceJSON struct {
	TankID          string    `json:"tank_id"`
	TankName        string    `json:"tank_name"`
	Location        string    `json:"location,omitempty"`
	IsOnline        bool      `json:"is_online"`
	LastSeen        time.Time `json:"last_seen"`
	Temperature     *float64  `json:"temperature"`
	PH              *float64  `json:"ph"`
	LightState      *bool     `json:"light_state"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toDeviceJSON(d model.Device) deviceJSON {
	return deviceJSON{
		TankID:          d.ID,
		TankName:        d.Name,
		Location:        d.Location,
		IsOnline:        d.IsOnline,
		LastSeen:        d.LastSeen,
		Temperature:     d.Temperature,
		PH:              d.PH,
		LightState:      d.LightState,
		FirmwareVersion: d.FirmwareVersion,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

type deviceDetailJSON struct {
	deviceJSON
	Settings *settingsJSON `json:"settings,omitempty"`
}

type statusLogJSON struct {
	ID              int64     `json:"id"`
	Temperature     *float64  `json:"temperature"`
	PH              *float64  `json:"ph"`
	LightState      *bool     `json:"light_state"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	At              time.Time `json:"timestamp"`
}

func toStatusLogJSON(l model.StatusLog) statusLogJSON {
	return statusLogJSON{
		ID:              l.ID,
		Temperature:     l.Temperature,
		PH:              l.PH,
		LightState:      l.LightState,
		FirmwareVersion: l.FirmwareVersion,
		At:              l.At,
	}
}

func mapSlice[T, U any](in []T, f func(T) U) []U {
	out := make([]U, 0, len(in))
	for _, v := range in {
		out = append(out, f(v))
	}
	return out
}
