package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// CommandType is the closed set of actions a device understands.
type CommandType string

const (
	CommandFeedNow        CommandType = "feed_now"
	CommandLightOn        CommandType = "light_on"
	CommandLightOff       CommandType = "light_off"
	CommandRestart        CommandType = "restart"
	CommandUpdateFirmware CommandType = "update_firmware"
	CommandResetSettings  CommandType = "reset_settings"
)

var commandTypes = map[CommandType]struct{}{
	CommandFeedNow:        {},
	CommandLightOn:        {},
	CommandLightOff:       {},
	CommandRestart:        {},
	CommandUpdateFirmware: {},
	CommandResetSettings:  {},
}

// ParseCommandType validates a raw command name.
func ParseCommandType(s string) (CommandType, error) {
	t := CommandType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := commandTypes[t]; !ok {
		return "", fmt.Errorf("%w: unknown command type %q", ErrInvalidInput, s)
	}
	return t, nil
}

// IsLight reports whether t switches the tank light.
func (t CommandType) IsLight() bool { return t == CommandLightOn || t == CommandLightOff }

// Status is the delivery state of a command.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
)

// ParseStatus accepts the canonical statuses plus the legacy in-flight aliases.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatusPending, nil
	case "delivered", "in_progress", "acknowledged":
		return StatusDelivered, nil
	case "success":
		return StatusSuccess, nil
	case "failed":
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: unknown command status %q", ErrInvalidInput, s)
	}
}

// Outstanding reports whether the command still awaits an acknowledgement.
func (s Status) Outstanding() bool { return s == StatusPending || s == StatusDelivered }

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailed }

// Source records who asked for a command.
type Source string

const (
	SourceSystem    Source = "system"
	SourceManual    Source = "manual"
	SourceScheduled Source = "scheduled"
)

func ParseSource(s string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case SourceSystem:
		return SourceSystem, nil
	case SourceManual:
		return SourceManual, nil
	case SourceScheduled:
		return SourceScheduled, nil
	default:
		return "", fmt.Errorf("%w: unknown command source %q", ErrInvalidInput, s)
	}
}

// FeedParams parameterises feed_now.
type FeedParams struct {
	Portions int `json:"portions,omitempty"`
}

// FirmwareParams parameterises update_firmware.
type FirmwareParams struct {
	Version string `json:"version"`
	URL     string `json:"url,omitempty"`
}

// Payload is a command type plus the parameters that belong to it.
// At most one parameter block is set and it always matches Type.
type Payload struct {
	Type     CommandType
	Feed     *FeedParams
	Firmware *FirmwareParams
}

func LightOn() Payload  { return Payload{Type: CommandLightOn} }
func LightOff() Payload { return Payload{Type: CommandLightOff} }

// LightPayload returns light_on for true and light_off for false.
func LightPayload(on bool) Payload {
	if on {
		return LightOn()
	}
	return LightOff()
}

// Validate checks that the parameter block matches the type and is in range.
func (p Payload) Validate() error {
	if _, ok := commandTypes[p.Type]; !ok {
		return fmt.Errorf("%w: unknown command type %q", ErrInvalidInput, p.Type)
	}
	if p.Type != CommandFeedNow && p.Feed != nil {
		return fmt.Errorf("%w: %s takes no feed parameters", ErrInvalidInput, p.Type)
	}
	if p.Type != CommandUpdateFirmware && p.Firmware != nil {
		return fmt.Errorf("%w: %s takes no firmware parameters", ErrInvalidInput, p.Type)
	}
	switch p.Type {
	case CommandFeedNow:
		if p.Feed != nil && (p.Feed.Portions < 0 || p.Feed.Portions > 10) {
			return fmt.Errorf("%w: portions must be within 1..10", ErrInvalidInput)
		}
	case CommandUpdateFirmware:
		if p.Firmware == nil {
			return fmt.Errorf("%w: update_firmware requires a version", ErrInvalidInput)
		}
		if !ValidVersion(p.Firmware.Version) {
			return fmt.Errorf("%w: firmware version %q is not MAJOR.MINOR.PATCH", ErrInvalidInput, p.Firmware.Version)
		}
	}
	return nil
}

// Params returns the parameter block for serialization, or nil.
func (p Payload) Params() any {
	switch {
	case p.Feed != nil:
		return p.Feed
	case p.Firmware != nil:
		return p.Firmware
	default:
		return nil
	}
}

// ParamsJSON encodes the parameter block; empty when there is none.
func (p Payload) ParamsJSON() (string, error) {
	v := p.Params()
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodePayload rebuilds a payload from its type name and raw parameters.
func DecodePayload(typ string, params []byte) (Payload, error) {
	t, err := ParseCommandType(typ)
	if err != nil {
		return Payload{}, err
	}
	p := Payload{Type: t}
	params = bytes.TrimSpace(params)
	empty := len(params) == 0 || bytes.Equal(params, []byte("null")) || bytes.Equal(params, []byte("{}"))

	switch t {
	case CommandFeedNow:
		if !empty {
			var fp FeedParams
			if err := strictDecode(params, &fp); err != nil {
				return Payload{}, err
			}
			p.Feed = &fp
		}
	case CommandUpdateFirmware:
		if empty {
			return Payload{}, fmt.Errorf("%w: update_firmware requires a version", ErrInvalidInput)
		}
		var fp FirmwareParams
		if err := strictDecode(params, &fp); err != nil {
			return Payload{}, err
		}
		p.Firmware = &fp
	default:
		if !empty {
			return Payload{}, fmt.Errorf("%w: %s takes no parameters", ErrInvalidInput, t)
		}
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

func strictDecode(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: parameters: %v", ErrInvalidInput, err)
	}
	return nil
}

type payloadWire struct {
	CommandType string          `json:"command_type"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func (p Payload) MarshalJSON() ([]byte, error) {
	w := struct {
		CommandType CommandType `json:"command_type"`
		Parameters  any         `json:"parameters,omitempty"`
	}{CommandType: p.Type, Parameters: p.Params()}
	return json.Marshal(w)
}

// UnmarshalJSON accepts {"command_type": ..., "parameters": {...}} and, for
// older firmware builds, a bare "command_type" string.
func (p *Payload) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("%w: command_payload: %v", ErrInvalidInput, err)
		}
		out, err := DecodePayload(s, nil)
		if err != nil {
			return err
		}
		*p = out
		return nil
	}
	var w payloadWire
	if err := strictDecode(b, &w); err != nil {
		return err
	}
	out, err := DecodePayload(w.CommandType, w.Parameters)
	if err != nil {
		return err
	}
	*p = out
	return nil
}

var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// ValidVersion reports whether v looks like MAJOR.MINOR.PATCH.
func ValidVersion(v string) bool { return semverRe.MatchString(v) }

// Command is one unit of work queued for a device.
type Command struct {
	ID          string
	DeviceID    string
	Payload     Payload
	Source      Source
	Status      Status
	Retries     int
	NextRetryAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	Result      string
}

// CommandFilter narrows a history query.
type CommandFilter struct {
	DeviceID string
	Statuses []Status
	Start    *time.Time
	End      *time.Time
	Limit    int
	Offset   int
}

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 500
)

// Normalize clamps paging and rejects inverted ranges.
func (f CommandFilter) Normalize() (CommandFilter, error) {
	if f.Limit == 0 {
		f.Limit = DefaultHistoryLimit
	}
	if f.Limit < 1 || f.Limit > MaxHistoryLimit {
		return f, fmt.Errorf("%w: limit must be within 1..%d", ErrInvalidInput, MaxHistoryLimit)
	}
	if f.Offset < 0 {
		return f, fmt.Errorf("%w: offset must be >= 0", ErrInvalidInput)
	}
	if f.Start != nil && f.End != nil && f.End.Before(*f.Start) {
		return f, fmt.Errorf("%w: end is before start", ErrInvalidInput)
	}
	return f, nil
}
