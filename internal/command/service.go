// Package command owns the per-device command queue: issuing, delivery to the
// polling device, acknowledgement and the retry sweep.
package command

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"tankctl/internal/clock"
	"tankctl/internal/eventbus"
	"tankctl/internal/model"
	"tankctl/internal/storage"
	logx "tankctl/pkg/logx"
)

type Config struct {
	MaxRetries  int
	BaseBackoff time.Duration
}

const (
	DefaultMaxRetries  = 3
	DefaultBaseBackoff = 60 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	return c
}

// Overrides pauses automatic lighting when an operator drives the light by hand.
// It runs inside the issuing transaction.
type Overrides interface {
	ApplyManualLight(ctx context.Context, q storage.Queries, deviceID string, on bool, now time.Time) (model.ScheduleSettings, error)
}

// Issued is the outcome of IssueTx. Events must be published by the caller
// once the surrounding transaction has committed.
type Issued struct {
	Command  model.Command
	Settings *model.ScheduleSettings
	Events   []model.Event
}

// SweepResult summarises one RetryStale pass.
type SweepResult struct {
	Due     int `json:"due"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

type Service struct {
	mu        sync.RWMutex
	cfg       Config
	overrides Overrides

	store storage.Store
	clk   clock.Clock
	bus   eventbus.Bus
	log   logx.Logger
	newID func() string
}

func New(cfg Config, store storage.Store, clk clock.Clock, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		store: store,
		clk:   clk,
		bus:   bus,
		log:   log,
		newID: uuid.NewString,
	}
}

// SetOverrides installs the schedule hook used for manual light commands.
func (s *Service) SetOverrides(o Overrides) {
	s.mu.Lock()
	s.overrides = o
	s.mu.Unlock()
}

// Apply swaps the retry policy at runtime.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) hooks() (Config, Overrides) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.overrides
}

// Backoff returns BASE * 2^(retries-1); retries below 1 yield base. The
// result saturates at the largest representable duration.
func Backoff(base time.Duration, retries int) time.Duration {
	if retries < 1 || base <= 0 {
		return base
	}
	shift := retries - 1
	if shift >= 63 || base > time.Duration(math.MaxInt64>>shift) {
		return time.Duration(math.MaxInt64)
	}
	return base << shift
}

// Issue creates a pending command for deviceID.
func (s *Service) Issue(ctx context.Context, deviceID string, p model.Payload, src model.Source) (model.Command, error) {
	var out Issued
	err := s.store.InTx(ctx, func(q storage.Queries) error {
		var err error
		out, err = s.IssueTx(ctx, q, deviceID, p, src, s.clk.Now())
		return err
	})
	if err != nil {
		return model.Command{}, err
	}
	s.Publish(out.Events...)
	s.log.Info("command issued",
		logx.String("device", deviceID),
		logx.String("command_id", out.Command.ID),
		logx.String("type", string(p.Type)),
		logx.String("source", string(src)),
	)
	return out.Command, nil
}

// IssueTx is Issue inside a caller-owned transaction.
func (s *Service) IssueTx(ctx context.Context, q storage.Queries, deviceID string, p model.Payload, src model.Source, now time.Time) (Issued, error) {
	if err := p.Validate(); err != nil {
		return Issued{}, err
	}
	if _, err := model.ParseSource(string(src)); err != nil {
		return Issued{}, err
	}
	dev, err := q.GetDevice(ctx, deviceID)
	if err != nil {
		return Issued{}, err
	}
	deviceID = dev.ID
	_, overrides := s.hooks()

	var out Issued
	if src == model.SourceManual && p.Type.IsLight() && overrides != nil {
		st, err := overrides.ApplyManualLight(ctx, q, deviceID, p.Type == model.CommandLightOn, now)
		if err != nil {
			return Issued{}, fmt.Errorf("apply override: %w", err)
		}
		out.Settings = &st
		out.Events = append(out.Events, model.Event{
			Type:        model.EventOverrideSet,
			At:          now,
			DeviceID:    deviceID,
			DeviceName:  dev.Name,
			CommandType: p.Type,
			Source:      src,
			PausedUntil: st.PausedUntil,
		})
	}

	c := model.Command{
		ID:          s.newID(),
		DeviceID:    deviceID,
		Payload:     p,
		Source:      src,
		Status:      model.StatusPending,
		Retries:     0,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.CreateCommand(ctx, c); err != nil {
		return Issued{}, fmt.Errorf("create command: %w", err)
	}
	if src == model.SourceManual || src == model.SourceScheduled {
		if _, err := q.AppendScheduleLog(ctx, model.ScheduleLog{
			DeviceID: deviceID,
			Event:    model.ScheduleEvent(p.Type),
			Trigger:  src,
			At:       now,
			Detail:   "command " + c.ID,
		}); err != nil {
			return Issued{}, fmt.Errorf("schedule log: %w", err)
		}
	}

	ev := model.CommandEvent(model.EventCommandIssued, now, c)
	ev.DeviceName = dev.Name
	out.Command = c
	out.Events = append(out.Events, ev)
	return out, nil
}

// FetchPending returns the device's head-of-line command, if any.
func (s *Service) FetchPending(ctx context.Context, deviceID string) (model.Command, bool, error) {
	return s.store.HeadOfLine(ctx, deviceID)
}

// Acknowledge records the device's verdict on a command. Acknowledging a
// command that is already terminal returns it unchanged.
func (s *Service) Acknowledge(ctx context.Context, deviceID, commandID string, success bool, result string) (model.Command, error) {
	cfg, _ := s.hooks()
	var (
		out     model.Command
		changed bool
		name    string
	)
	err := s.store.InTx(ctx, func(q storage.Queries) error {
		c, err := q.GetCommand(ctx, commandID)
		if err != nil {
			return err
		}
		if c.DeviceID != deviceID {
			return fmt.Errorf("command %s belongs to another device: %w", commandID, model.ErrForbidden)
		}
		if c.Status.Terminal() {
			out = c
			return nil
		}

		now := s.clk.Now()
		if success {
			c.Status = model.StatusSuccess
		} else {
			c.Status = model.StatusFailed
		}
		c.Retries = cfg.MaxRetries
		c.CompletedAt = &now
		c.UpdatedAt = now
		if result != "" {
			c.Result = result
		}
		if err := q.UpdateCommand(ctx, c); err != nil {
			return err
		}
		if dev, err := q.GetDevice(ctx, deviceID); err == nil {
			name = dev.Name
		}
		out, changed = c, true
		return nil
	})
	if err != nil {
		return model.Command{}, err
	}
	if !changed {
		s.log.Debug("duplicate acknowledgement ignored", logx.String("command_id", commandID))
		return out, nil
	}

	ev := model.CommandEvent(model.EventCommandAcknowledged, out.UpdatedAt, out)
	ev.DeviceName = name
	s.Publish(ev)
	s.log.Info("command acknowledged",
		logx.String("device", deviceID),
		logx.String("command_id", commandID),
		logx.Bool("success", success),
	)
	return out, nil
}

// RetryStale advances every due head-of-line command by one retry step, or
// fails it once retries are exhausted. The sweep commits atomically.
func (s *Service) RetryStale(ctx context.Context, now time.Time) (SweepResult, error) {
	cfg, _ := s.hooks()
	var (
		res    SweepResult
		events []model.Event
	)
	err := s.store.InTx(ctx, func(q storage.Queries) error {
		res, events = SweepResult{}, nil

		due, err := q.DueHeads(ctx, now)
		if err != nil {
			return err
		}
		res.Due = len(due)
		names := map[string]string{}
		for _, c := range due {
			typ := model.EventCommandRetryScheduled
			if c.Retries >= cfg.MaxRetries {
				done := now
				c.Status = model.StatusFailed
				c.CompletedAt = &done
				if c.Result == "" {
					c.Result = fmt.Sprintf("no acknowledgement after %d retries", c.Retries)
				}
				typ = model.EventCommandFailed
				res.Failed++
			} else {
				c.Retries++
				c.NextRetryAt = now.Add(Backoff(cfg.BaseBackoff, c.Retries))
				c.Status = model.StatusDelivered
				res.Retried++
			}
			c.UpdatedAt = now
			if err := q.UpdateCommand(ctx, c); err != nil {
				return fmt.Errorf("update command %s: %w", c.ID, err)
			}

			name, ok := names[c.DeviceID]
			if !ok {
				if dev, err := q.GetDevice(ctx, c.DeviceID); err == nil {
					name = dev.Name
				}
				names[c.DeviceID] = name
			}
			ev := model.CommandEvent(typ, now, c)
			ev.DeviceName = name
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return SweepResult{}, err
	}

	s.Publish(events...)
	if res.Due > 0 {
		s.log.Info("retry sweep",
			logx.Int("due", res.Due),
			logx.Int("retried", res.Retried),
			logx.Int("failed", res.Failed),
		)
	}
	return res, nil
}

// History lists a device's commands, newest first.
func (s *Service) History(ctx context.Context, deviceID string, f model.CommandFilter) ([]model.Command, error) {
	if _, err := s.store.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	f.DeviceID = deviceID
	return s.store.ListCommands(ctx, f)
}

// Get returns one command.
func (s *Service) Get(ctx context.Context, id string) (model.Command, error) {
	return s.store.GetCommand(ctx, id)
}

// Publish emits domain events on the bus. Call it only after commit.
func (s *Service) Publish(evs ...model.Event) {
	for _, ev := range evs {
		eventbus.Publish(s.bus, eventbus.Event{Type: ev.Type, Time: ev.At, DeviceID: ev.DeviceID, Data: ev})
	}
}
