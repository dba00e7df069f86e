package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tankctl/internal/eventbus"
	"tankctl/internal/model"
	logx "tankctl/pkg/logx"
)

// DefaultEvents are the domain events that reach operators unless the
// config names its own list.
var DefaultEvents = []string{
	model.EventDeviceRegistered,
	model.EventDeviceOnline,
	model.EventDeviceOffline,
	model.EventDeviceAlert,
	model.EventCommandFailed,
	model.EventScheduleFired,
	model.EventOverrideSet,
	model.EventOverrideCleared,
}

// Notifier is the part of Service the bridge needs.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Bridge forwards domain bus events to the notifier.
type Bridge struct {
	n      Notifier
	bus    eventbus.Bus
	loc    *time.Location
	log    logx.Logger
	events map[string]bool
}

func NewBridge(n Notifier, bus eventbus.Bus, loc *time.Location, events []string, log logx.Logger) *Bridge {
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(events) == 0 {
		events = DefaultEvents
	}
	set := make(map[string]bool, len(events))
	for _, e := range events {
		set[e] = true
	}
	return &Bridge{n: n, bus: bus, loc: loc, log: log, events: set}
}

// Run consumes the bus until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	ch, unsub := b.bus.SubscribeFiltered(256, func(e eventbus.Event) bool { return b.events[e.Type] })
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			ev, ok := e.Data.(model.Event)
			if !ok {
				continue
			}
			n, ok := Format(ev, b.loc)
			if !ok {
				continue
			}
			if err := b.n.Notify(ctx, n); err != nil && !errors.Is(err, ErrDisabled) {
				b.log.Warn("notify failed", logx.String("event", ev.Type), logx.Err(err))
			}
		}
	}
}

// Format renders a domain event for operators. It reports false for events
// with no operator-facing rendering.
func Format(ev model.Event, loc *time.Location) (Notification, bool) {
	if loc == nil {
		loc = time.UTC
	}
	tank := ev.DeviceName
	if tank == "" {
		tank = ev.DeviceID
	}
	n := Notification{
		Event:      ev.Type,
		DeviceID:   ev.DeviceID,
		DeviceName: ev.DeviceName,
		At:         ev.At,
		Data:       ev,
	}
	stamp := func(t time.Time) string { return t.In(loc).Format("2006-01-02 15:04 MST") }

	switch ev.Type {
	case model.EventDeviceRegistered:
		n.Title = "Tank registered"
		n.Text = fmt.Sprintf("%s joined the fleet.", tank)
	case model.EventDeviceOnline:
		n.Title = "Tank back online"
		n.Text = fmt.Sprintf("%s is reporting again.", tank)
	case model.EventDeviceOffline:
		n.Severity = SeverityWarning
		n.Title = "Tank offline"
		n.Text = fmt.Sprintf("%s stopped sending heartbeats.", tank)
	case model.EventDeviceAlert:
		n.Severity = SeverityCritical
		n.Title = "Tank unreachable"
		n.Text = fmt.Sprintf("%s has been silent: %s.", tank, ev.Detail)
	case model.EventCommandFailed:
		n.Severity = SeverityWarning
		n.Title = "Command failed"
		n.Text = fmt.Sprintf("%s on %s failed after %d retries.", ev.CommandType, tank, ev.Retries)
		n.Fields = append(n.Fields, Field{Name: "command_id", Value: ev.CommandID})
		if ev.Detail != "" {
			n.Fields = append(n.Fields, Field{Name: "result", Value: ev.Detail})
		}
	case model.EventScheduleFired:
		n.Title = "Lighting schedule"
		n.Text = fmt.Sprintf("Scheduled %s sent to %s.", ev.CommandType, tank)
	case model.EventOverrideSet:
		n.Title = "Manual light override"
		n.Text = fmt.Sprintf("%s sent to %s; schedule paused.", ev.CommandType, tank)
		if ev.PausedUntil != nil {
			n.Fields = append(n.Fields, Field{Name: "paused_until", Value: stamp(*ev.PausedUntil)})
		}
	case model.EventOverrideCleared:
		n.Title = "Override cleared"
		n.Text = fmt.Sprintf("Schedule resumed for %s.", tank)
	case model.EventSettingsUpdated:
		n.Title = "Schedule updated"
		n.Text = fmt.Sprintf("Lighting settings changed for %s.", tank)
	default:
		return Notification{}, false
	}
	if ev.LastSeen != nil {
		n.Fields = append(n.Fields, Field{Name: "last_seen", Value: stamp(*ev.LastSeen)})
	}
	if ev.Source != "" {
		n.Fields = append(n.Fields, Field{Name: "source", Value: string(ev.Source)})
	}
	return n, true
}
