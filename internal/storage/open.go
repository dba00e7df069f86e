package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"tankctl/internal/model"
	logx "tankctl/pkg/logx"
)

// Queries is the data access surface shared by the store and its transactions.
//
// Lookups of a single row return an error wrapping model.ErrNotFound when the
// row is absent.
type Queries interface {
	CreateDevice(ctx context.Context, d model.Device) error
	GetDevice(ctx context.Context, id string) (model.Device, error)
	GetDeviceByName(ctx context.Context, name string) (model.Device, error)
	ListDevices(ctx context.Context) ([]model.Device, error)
	UpdateDevice(ctx context.Context, d model.Device) error
	AppendStatusLog(ctx context.Context, l model.StatusLog) (int64, error)
	ListStatusLog(ctx context.Context, deviceID string, limit int) ([]model.StatusLog, error)

	CreateCommand(ctx context.Context, c model.Command) error
	GetCommand(ctx context.Context, id string) (model.Command, error)
	UpdateCommand(ctx context.Context, c model.Command) error
	// HeadOfLine returns the oldest outstanding command of a device, if any.
	HeadOfLine(ctx context.Context, deviceID string) (model.Command, bool, error)
	// DueHeads returns at most one command per device: its head of line,
	// and only when that head is due at now.
	DueHeads(ctx context.Context, now time.Time) ([]model.Command, error)
	ListCommands(ctx context.Context, f model.CommandFilter) ([]model.Command, error)

	GetSettings(ctx context.Context, deviceID string) (model.ScheduleSettings, bool, error)
	UpsertSettings(ctx context.Context, s model.ScheduleSettings) error
	AppendScheduleLog(ctx context.Context, l model.ScheduleLog) (int64, error)
	ListScheduleLog(ctx context.Context, deviceID string, limit int) ([]model.ScheduleLog, error)

	GetAlertState(ctx context.Context, deviceID string) (model.AlertState, bool, error)
	PutAlertState(ctx context.Context, a model.AlertState) error
	DeleteAlertState(ctx context.Context, deviceID string) error
}

// Store is the persistence API used by the engines and services.
type Store interface {
	Queries

	// InTx runs fn in a single transaction. fn must only use q; the store's
	// own methods would wait on the connection the transaction holds.
	InTx(ctx context.Context, fn func(q Queries) error) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	PruneDedup(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store and applies the embedded schema.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		cfg.Path = ":memory:"
		return openSQLite(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
