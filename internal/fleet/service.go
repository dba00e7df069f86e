// Package fleet handles device registration, heartbeats and liveness.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tankctl/internal/auth"
	"tankctl/internal/clock"
	"tankctl/internal/eventbus"
	"tankctl/internal/model"
	"tankctl/internal/storage"
	logx "tankctl/pkg/logx"
)

type Config struct {
	PresharedKey     string
	OfflineThreshold time.Duration
	AlertAfter       time.Duration
	AlertRepeat      time.Duration
}

func (c Config) withDefaults() Config {
	if c.OfflineThreshold <= 0 {
		c.OfflineThreshold = 2 * time.Minute
	}
	if c.AlertAfter <= 0 {
		c.AlertAfter = 40 * time.Second
	}
	if c.AlertRepeat <= 0 {
		c.AlertRepeat = 5 * time.Minute
	}
	return c
}

// TokenIssuer mints device bearer tokens.
type TokenIssuer interface {
	Issue(deviceID string, now time.Time) (string, error)
}

// Seeder creates the schedule row of a new device inside the registration tx.
type Seeder interface {
	SeedTx(ctx context.Context, q storage.Queries, deviceID string, on, off *clock.TimeOfDay, now time.Time) (model.ScheduleSettings, error)
}

type RegisterRequest struct {
	AuthKey         string
	Name            string
	Location        string
	FirmwareVersion string
	LightOn         *clock.TimeOfDay
	LightOff        *clock.TimeOfDay
}

type Registration struct {
	DeviceID        string
	AccessToken     string
	FirmwareVersion string
	Settings        model.ScheduleSettings
	Created         bool
}

type Service struct {
	mu  sync.RWMutex
	cfg Config

	store  storage.Store
	tokens TokenIssuer
	seeder Seeder
	clk    clock.Clock
	bus    eventbus.Bus
	log    logx.Logger
	newID  func() string
}

func New(cfg Config, store storage.Store, tokens TokenIssuer, seeder Seeder, clk clock.Clock, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  store,
		tokens: tokens,
		seeder: seeder,
		clk:    clk,
		bus:    bus,
		log:    log,
		newID:  uuid.NewString,
	}
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

// Register admits a device holding the pre-shared key. Re-registering an
// existing name keeps its id and rotates its token.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Registration, error) {
	cfg := s.config()
	if !auth.Equal(req.AuthKey, cfg.PresharedKey) {
		return Registration{}, fmt.Errorf("%w: invalid registration key", model.ErrUnauthorized)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > 64 {
		return Registration{}, fmt.Errorf("%w: tank_name must be 1..64 characters", model.ErrInvalidInput)
	}
	fw := strings.TrimSpace(req.FirmwareVersion)
	if fw != "" && !model.ValidVersion(fw) {
		return Registration{}, fmt.Errorf("%w: firmware_version %q is not MAJOR.MINOR.PATCH", model.ErrInvalidInput, fw)
	}

	now := s.clk.Now()
	var out Registration
	err := s.store.InTx(ctx, func(q storage.Queries) error {
		out = Registration{}
		dev, err := q.GetDeviceByName(ctx, name)
		switch {
		case err == nil:
			dev.LastSeen, dev.IsOnline = now, true
			dev.TokenIssuedAt, dev.UpdatedAt = now, now
			if fw != "" {
				dev.FirmwareVersion = fw
			}
			if loc := strings.TrimSpace(req.Location); loc != "" {
				dev.Location = loc
			}
			if err := q.UpdateDevice(ctx, dev); err != nil {
				return err
			}
			if err := q.DeleteAlertState(ctx, dev.ID); err != nil {
				return err
			}
		case errors.Is(err, model.ErrNotFound):
			dev = model.Device{
				ID:              s.newID(),
				Name:            name,
				Location:        strings.TrimSpace(req.Location),
				LastSeen:        now,
				IsOnline:        true,
				FirmwareVersion: fw,
				TokenIssuedAt:   now,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := q.CreateDevice(ctx, dev); err != nil {
				return err
			}
			out.Created = true
		default:
			return err
		}

		var on, off *clock.TimeOfDay
		if out.Created {
			on, off = req.LightOn, req.LightOff
		}
		st, err := s.seeder.SeedTx(ctx, q, dev.ID, on, off, now)
		if err != nil {
			return fmt.Errorf("seed schedule: %w", err)
		}
		out.DeviceID = dev.ID
		out.FirmwareVersion = dev.FirmwareVersion
		out.Settings = st
		return nil
	})
	if err != nil {
		return Registration{}, err
	}

	tok, err := s.tokens.Issue(out.DeviceID, now)
	if err != nil {
		return Registration{}, err
	}
	out.AccessToken = tok

	if out.Created {
		s.publish(model.Event{Type: model.EventDeviceRegistered, At: now, DeviceID: out.DeviceID, DeviceName: name})
		s.log.Info("device registered", logx.String("device", out.DeviceID), logx.String("name", name))
	} else {
		s.log.Info("device re-registered", logx.String("device", out.DeviceID), logx.String("name", name))
	}
	return out, nil
}

// ValidateReport checks heartbeat ranges.
func ValidateReport(r model.StatusReport) error {
	if r.Temperature != nil && (*r.Temperature < -10 || *r.Temperature > 50) {
		return fmt.Errorf("%w: temperature %.2f outside -10..50", model.ErrInvalidInput, *r.Temperature)
	}
	if r.PH != nil && (*r.PH < 0 || *r.PH > 14) {
		return fmt.Errorf("%w: ph %.2f outside 0..14", model.ErrInvalidInput, *r.PH)
	}
	if r.FirmwareVersion != "" && !model.ValidVersion(r.FirmwareVersion) {
		return fmt.Errorf("%w: firmware_version %q is not MAJOR.MINOR.PATCH", model.ErrInvalidInput, r.FirmwareVersion)
	}
	return nil
}

// RecordStatus stores a heartbeat and marks the device online.
func (s *Service) RecordStatus(ctx context.Context, deviceID string, r model.StatusReport) (model.Device, error) {
	if err := ValidateReport(r); err != nil {
		return model.Device{}, err
	}
	now := s.clk.Now()
	var (
		dev      model.Device
		cameBack bool
	)
	err := s.store.InTx(ctx, func(q storage.Queries) error {
		d, err := q.GetDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		cameBack = !d.IsOnline
		d.LastSeen, d.IsOnline, d.UpdatedAt = now, true, now
		if r.Temperature != nil {
			d.Temperature = r.Temperature
		}
		if r.PH != nil {
			d.PH = r.PH
		}
		if r.LightState != nil {
			d.LightState = r.LightState
		}
		if r.FirmwareVersion != "" {
			d.FirmwareVersion = r.FirmwareVersion
		}
		if err := q.UpdateDevice(ctx, d); err != nil {
			return err
		}
		if _, err := q.AppendStatusLog(ctx, model.StatusLog{
			DeviceID:        deviceID,
			Temperature:     r.Temperature,
			PH:              r.PH,
			LightState:      r.LightState,
			FirmwareVersion: r.FirmwareVersion,
			At:              now,
		}); err != nil {
			return err
		}
		if err := q.DeleteAlertState(ctx, deviceID); err != nil {
			return err
		}
		dev = d
		return nil
	})
	if err != nil {
		return model.Device{}, err
	}
	if cameBack {
		s.publish(model.Event{Type: model.EventDeviceOnline, At: now, DeviceID: deviceID, DeviceName: dev.Name})
		s.log.Info("device back online", logx.String("device", deviceID))
	}
	return dev, nil
}

// DetectOffline flips devices silent for longer than the threshold to offline.
func (s *Service) DetectOffline(ctx context.Context, now time.Time) ([]model.Device, error) {
	cfg := s.config()
	var flipped []model.Device
	err := s.store.InTx(ctx, func(q storage.Queries) error {
		flipped = nil
		devices, err := q.ListDevices(ctx)
		if err != nil {
			return err
		}
		for _, d := range devices {
			if !d.IsOnline || now.Sub(d.LastSeen) <= cfg.OfflineThreshold {
				continue
			}
			d.IsOnline, d.UpdatedAt = false, now
			if err := q.UpdateDevice(ctx, d); err != nil {
				return err
			}
			flipped = append(flipped, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, d := range flipped {
		seen := d.LastSeen
		s.publish(model.Event{Type: model.EventDeviceOffline, At: now, DeviceID: d.ID, DeviceName: d.Name, LastSeen: &seen})
		s.log.Warn("device offline", logx.String("device", d.ID), logx.Duration("silent", now.Sub(d.LastSeen)))
	}
	return flipped, nil
}

// AlertOffline raises an alert for each silent device, at most once per
// repeat window.
func (s *Service) AlertOffline(ctx context.Context, now time.Time) (int, error) {
	cfg := s.config()
	var alerts []model.Event
	err := s.store.InTx(ctx, func(q storage.Queries) error {
		alerts = nil
		devices, err := q.ListDevices(ctx)
		if err != nil {
			return err
		}
		for _, d := range devices {
			silent := now.Sub(d.LastSeen)
			if silent <= cfg.AlertAfter {
				continue
			}
			st, ok, err := q.GetAlertState(ctx, d.ID)
			if err != nil {
				return err
			}
			if ok && now.Sub(st.LastAlertAt) < cfg.AlertRepeat {
				continue
			}
			if err := q.PutAlertState(ctx, model.AlertState{DeviceID: d.ID, LastAlertAt: now}); err != nil {
				return err
			}
			seen := d.LastSeen
			alerts = append(alerts, model.Event{
				Type:       model.EventDeviceAlert,
				At:         now,
				DeviceID:   d.ID,
				DeviceName: d.Name,
				LastSeen:   &seen,
				Detail:     "offline for " + silent.Truncate(time.Second).String(),
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.publish(alerts...)
	return len(alerts), nil
}

func (s *Service) Get(ctx context.Context, id string) (model.Device, error) {
	return s.store.GetDevice(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]model.Device, error) {
	return s.store.ListDevices(ctx)
}

// StatusHistory returns the newest heartbeats of a device.
func (s *Service) StatusHistory(ctx context.Context, deviceID string, limit int) ([]model.StatusLog, error) {
	if limit < 0 || limit > model.MaxHistoryLimit {
		return nil, fmt.Errorf("%w: limit must be within 1..%d", model.ErrInvalidInput, model.MaxHistoryLimit)
	}
	if _, err := s.store.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	return s.store.ListStatusLog(ctx, deviceID, limit)
}

func (s *Service) publish(evs ...model.Event) {
	for _, ev := range evs {
		eventbus.Publish(s.bus, eventbus.Event{Type: ev.Type, Time: ev.At, DeviceID: ev.DeviceID, Data: ev})
	}
}
