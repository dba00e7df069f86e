// Package schedule enforces per-device lighting windows and manual overrides.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tankctl/internal/clock"
	"tankctl/internal/command"
	"tankctl/internal/eventbus"
	"tankctl/internal/model"
	"tankctl/internal/storage"
	logx "tankctl/pkg/logx"
)

type Config struct {
	DefaultOn  clock.TimeOfDay
	DefaultOff clock.TimeOfDay
}

var (
	DefaultOn  = clock.TimeOfDay{Hour: 10}
	DefaultOff = clock.TimeOfDay{Hour: 16}
)

func (c Config) withDefaults() Config {
	if c.DefaultOn == (clock.TimeOfDay{}) && c.DefaultOff == (clock.TimeOfDay{}) {
		c.DefaultOn, c.DefaultOff = DefaultOn, DefaultOff
	}
	return c
}

// Commands is the part of the command engine the scheduler drives.
type Commands interface {
	Issue(ctx context.Context, deviceID string, p model.Payload, src model.Source) (model.Command, error)
	IssueTx(ctx context.Context, q storage.Queries, deviceID string, p model.Payload, src model.Source, now time.Time) (command.Issued, error)
}

// Outcome describes what one device tick did.
type Outcome string

const (
	OutcomeFiredOn  Outcome = "fired_on"
	OutcomeFiredOff Outcome = "fired_off"
	OutcomePaused   Outcome = "paused"
	OutcomeDisabled Outcome = "disabled"
	OutcomeIdle     Outcome = "idle"
)

// TickResult summarises one enforcement pass over the fleet.
type TickResult struct {
	Devices int `json:"devices"`
	Fired   int `json:"fired"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

type Service struct {
	mu  sync.RWMutex
	cfg Config

	store storage.Store
	cmds  Commands
	clk   clock.Clock
	bus   eventbus.Bus
	log   logx.Logger
}

func New(cfg Config, store storage.Store, cmds Commands, clk clock.Clock, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), store: store, cmds: cmds, clk: clk, bus: bus, log: log}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) loc() *time.Location { return s.clk.Location() }

// Tick runs TickDevice for every registered device. A failing device is
// logged and counted; it does not stop the others.
func (s *Service) Tick(ctx context.Context) (TickResult, error) {
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return TickResult{}, fmt.Errorf("list devices: %w", err)
	}
	now := s.clk.Now()

	var (
		res  TickResult
		errs []error
	)
	for _, d := range devices {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res.Devices++
		out, err := s.TickDevice(ctx, d.ID, now)
		if err != nil {
			res.Errors++
			errs = append(errs, fmt.Errorf("device %s: %w", d.ID, err))
			s.log.Warn("schedule tick failed", logx.String("device", d.ID), logx.Err(err))
			continue
		}
		switch out {
		case OutcomeFiredOn, OutcomeFiredOff:
			res.Fired++
		case OutcomePaused, OutcomeDisabled:
			res.Skipped++
		}
	}
	return res, errors.Join(errs...)
}

// TickDevice reconciles one device against its window at now. Command
// creation and marker updates commit together.
func (s *Service) TickDevice(ctx context.Context, deviceID string, now time.Time) (Outcome, error) {
	loc := s.loc()
	var (
		outcome = OutcomeIdle
		events  []model.Event
	)
	err := s.store.InTx(ctx, func(q storage.Queries) error {
		outcome, events = OutcomeIdle, nil

		st, err := s.settingsTx(ctx, q, deviceID, now)
		if err != nil {
			return err
		}

		dirty, resumed := false, false
		if st.PausedUntil != nil {
			if now.Before(*st.PausedUntil) {
				outcome = OutcomePaused
				return nil
			}
			st.ClearOverride()
			dirty, resumed = true, true
		}

		var fire *model.Payload
		if !st.Enabled {
			outcome = OutcomeDisabled
		} else {
			inside := InsideWindow(st.LightOn, st.LightOff, now, loc)
			// ON counts as fired once it has run since the most recent ON edge
			onFired := st.LastOn != nil && !st.LastOn.Before(lastEdge(st.LightOn, now, loc))
			offFired := onFired && st.LastOff != nil && !st.LastOff.Before(*st.LastOn)

			switch {
			case inside && !onFired:
				p := model.LightOn()
				fire = &p
				at := now
				st.LastOn, st.LastOff = &at, nil
				outcome = OutcomeFiredOn
			case !inside && ((onFired && !offFired) || resumed):
				p := model.LightOff()
				fire = &p
				at := now
				st.LastOff = &at
				outcome = OutcomeFiredOff
			}
		}

		if fire != nil {
			issued, err := s.cmds.IssueTx(ctx, q, deviceID, *fire, model.SourceScheduled, now)
			if err != nil {
				return err
			}
			events = append(events, issued.Events...)
			events = append(events, model.Event{
				Type:        model.EventScheduleFired,
				At:          now,
				DeviceID:    deviceID,
				CommandID:   issued.Command.ID,
				CommandType: fire.Type,
				Source:      model.SourceScheduled,
			})
			dirty = true
		}
		if !dirty {
			return nil
		}
		st.UpdatedAt = now
		return q.UpsertSettings(ctx, st)
	})
	if err != nil {
		return OutcomeIdle, err
	}

	s.publish(events...)
	if outcome == OutcomeFiredOn || outcome == OutcomeFiredOff {
		s.log.Info("schedule fired", logx.String("device", deviceID), logx.String("outcome", string(outcome)))
	}
	return outcome, nil
}

// ApplyManualLight pauses automatic control until the next opposite edge.
// The command engine calls it inside the transaction of a manual light command.
func (s *Service) ApplyManualLight(ctx context.Context, q storage.Queries, deviceID string, on bool, now time.Time) (model.ScheduleSettings, error) {
	st, err := s.settingsTx(ctx, q, deviceID, now)
	if err != nil {
		return model.ScheduleSettings{}, err
	}
	edge := st.LightOn
	if on {
		edge = st.LightOff
	}
	until := NextEdge(edge, now, s.loc())
	st.PausedUntil = &until
	st.UpdatedAt = now
	if err := q.UpsertSettings(ctx, st); err != nil {
		return model.ScheduleSettings{}, err
	}
	if _, err := q.AppendScheduleLog(ctx, model.ScheduleLog{
		DeviceID: deviceID,
		Event:    model.ScheduleOverrideSet,
		Trigger:  model.SourceManual,
		At:       now,
		Detail:   "paused until " + until.Format(time.RFC3339),
	}); err != nil {
		return model.ScheduleSettings{}, err
	}
	return st, nil
}

// ManualOverride forces the light and suspends the schedule until it would
// naturally flip the light the other way.
func (s *Service) ManualOverride(ctx context.Context, deviceID string, t model.CommandType) (model.ScheduleSettings, error) {
	if !t.IsLight() {
		return model.ScheduleSettings{}, fmt.Errorf("%w: override command must be light_on or light_off, got %q", model.ErrInvalidInput, t)
	}
	if _, err := s.cmds.Issue(ctx, deviceID, model.Payload{Type: t}, model.SourceManual); err != nil {
		return model.ScheduleSettings{}, err
	}
	return s.Settings(ctx, deviceID)
}

// ClearOverride hands control back to the schedule. It is a no-op when no
// pause is active.
func (s *Service) ClearOverride(ctx context.Context, deviceID string) (model.ScheduleSettings, error) {
	now := s.clk.Now()
	var (
		out     model.ScheduleSettings
		cleared bool
	)
	err := s.store.InTx(ctx, func(q storage.Queries) error {
		st, err := s.settingsTx(ctx, q, deviceID, now)
		if err != nil {
			return err
		}
		out = st
		if st.PausedUntil == nil {
			return nil
		}
		st.ClearOverride()
		st.UpdatedAt = now
		if err := q.UpsertSettings(ctx, st); err != nil {
			return err
		}
		if _, err := q.AppendScheduleLog(ctx, model.ScheduleLog{
			DeviceID: deviceID, Event: model.ScheduleOverrideCleared, Trigger: model.SourceManual, At: now,
		}); err != nil {
			return err
		}
		out, cleared = st, true
		return nil
	})
	if err != nil {
		return model.ScheduleSettings{}, err
	}
	if cleared {
		s.publish(model.Event{Type: model.EventOverrideCleared, At: now, DeviceID: deviceID, Source: model.SourceManual})
	}
	return out, nil
}

// UpdateSettings applies the provided fields and always drops any override
// and both daily markers.
func (s *Service) UpdateSettings(ctx context.Context, deviceID string, patch model.SettingsPatch) (model.ScheduleSettings, error) {
	now := s.clk.Now()
	var out model.ScheduleSettings
	err := s.store.InTx(ctx, func(q storage.Queries) error {
		st, err := s.settingsTx(ctx, q, deviceID, now)
		if err != nil {
			return err
		}
		if patch.LightOn != nil {
			st.LightOn = *patch.LightOn
		}
		if patch.LightOff != nil {
			st.LightOff = *patch.LightOff
		}
		if patch.Enabled != nil {
			st.Enabled = *patch.Enabled
		}
		st.ClearOverride()
		st.UpdatedAt = now
		if err := q.UpsertSettings(ctx, st); err != nil {
			return err
		}
		if _, err := q.AppendScheduleLog(ctx, model.ScheduleLog{
			DeviceID: deviceID,
			Event:    model.ScheduleSettingsUpdated,
			Trigger:  model.SourceManual,
			At:       now,
			Detail:   fmt.Sprintf("%s-%s enabled=%t", st.LightOn, st.LightOff, st.Enabled),
		}); err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return model.ScheduleSettings{}, err
	}
	s.publish(model.Event{Type: model.EventSettingsUpdated, At: now, DeviceID: deviceID, Detail: out.LightOn.String() + "-" + out.LightOff.String()})
	return out, nil
}

// Settings returns the device's schedule, creating the default row on first access.
func (s *Service) Settings(ctx context.Context, deviceID string) (model.ScheduleSettings, error) {
	now := s.clk.Now()
	var out model.ScheduleSettings
	err := s.store.InTx(ctx, func(q storage.Queries) error {
		var err error
		out, err = s.settingsTx(ctx, q, deviceID, now)
		return err
	})
	return out, err
}

// SeedTx creates or replaces the window of a freshly registered device.
// Nil times fall back to the configured defaults.
func (s *Service) SeedTx(ctx context.Context, q storage.Queries, deviceID string, on, off *clock.TimeOfDay, now time.Time) (model.ScheduleSettings, error) {
	st, err := s.settingsTx(ctx, q, deviceID, now)
	if err != nil {
		return model.ScheduleSettings{}, err
	}
	if on == nil && off == nil {
		return st, nil
	}
	if on != nil {
		st.LightOn = *on
	}
	if off != nil {
		st.LightOff = *off
	}
	st.UpdatedAt = now
	return st, q.UpsertSettings(ctx, st)
}

func (s *Service) settingsTx(ctx context.Context, q storage.Queries, deviceID string, now time.Time) (model.ScheduleSettings, error) {
	st, ok, err := q.GetSettings(ctx, deviceID)
	if err != nil {
		return model.ScheduleSettings{}, err
	}
	if ok {
		return st, nil
	}
	if _, err := q.GetDevice(ctx, deviceID); err != nil {
		return model.ScheduleSettings{}, err
	}
	cfg := s.config()
	st = model.ScheduleSettings{
		DeviceID:  deviceID,
		LightOn:   cfg.DefaultOn,
		LightOff:  cfg.DefaultOff,
		Enabled:   true,
		UpdatedAt: now,
	}
	if err := q.UpsertSettings(ctx, st); err != nil {
		return model.ScheduleSettings{}, err
	}
	return st, nil
}

func (s *Service) publish(evs ...model.Event) {
	for _, ev := range evs {
		eventbus.Publish(s.bus, eventbus.Event{Type: ev.Type, Time: ev.At, DeviceID: ev.DeviceID, Data: ev})
	}
}
