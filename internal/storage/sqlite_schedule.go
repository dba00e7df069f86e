package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tankctl/internal/clock"
	"tankctl/internal/model"
)

func (q *queries) GetSettings(ctx context.Context, deviceID string) (model.ScheduleSettings, bool, error) {
	var (
		s                      model.ScheduleSettings
		on, off                string
		enabled                int
		paused, lastOn, lastOf sql.NullInt64
		upd                    int64
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT device_id, light_on, light_off, is_schedule_enabled, paused_until, last_on, last_off, updated_at
		 FROM schedule_settings WHERE device_id = ?`, deviceID,
	).Scan(&s.DeviceID, &on, &off, &enabled, &paused, &lastOn, &lastOf, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduleSettings{}, false, nil
	}
	if err != nil {
		return model.ScheduleSettings{}, false, err
	}
	if s.LightOn, err = clock.ParseTimeOfDay(on); err != nil {
		return model.ScheduleSettings{}, false, fmt.Errorf("settings %s light_on: %w", deviceID, err)
	}
	if s.LightOff, err = clock.ParseTimeOfDay(off); err != nil {
		return model.ScheduleSettings{}, false, fmt.Errorf("settings %s light_off: %w", deviceID, err)
	}
	s.Enabled = enabled != 0
	s.PausedUntil = q.fromNullMillis(paused)
	s.LastOn = q.fromNullMillis(lastOn)
	s.LastOff = q.fromNullMillis(lastOf)
	s.UpdatedAt = q.fromMillis(upd)
	return s, true, nil
}

func (q *queries) UpsertSettings(ctx context.Context, s model.ScheduleSettings) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO schedule_settings(device_id, light_on, light_off, is_schedule_enabled, paused_until, last_on, last_off, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(device_id) DO UPDATE SET
		   light_on=excluded.light_on,
		   light_off=excluded.light_off,
		   is_schedule_enabled=excluded.is_schedule_enabled,
		   paused_until=excluded.paused_until,
		   last_on=excluded.last_on,
		   last_off=excluded.last_off,
		   updated_at=excluded.updated_at`,
		s.DeviceID, s.LightOn.String(), s.LightOff.String(), boolInt(s.Enabled),
		nullMillis(s.PausedUntil), nullMillis(s.LastOn), nullMillis(s.LastOff), millis(s.UpdatedAt),
	)
	return err
}

func (q *queries) AppendScheduleLog(ctx context.Context, l model.ScheduleLog) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO schedule_log(device_id, event, trigger_source, at, detail) VALUES(?,?,?,?,?)`,
		l.DeviceID, string(l.Event), string(l.Trigger), millis(l.At), nullStr(l.Detail),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListScheduleLog returns the newest entries first.
func (q *queries) ListScheduleLog(ctx context.Context, deviceID string, limit int) ([]model.ScheduleLog, error) {
	if limit <= 0 {
		limit = model.DefaultHistoryLimit
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, device_id, event, trigger_source, at, detail FROM schedule_log
		 WHERE device_id = ? ORDER BY at DESC, id DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScheduleLog
	for rows.Next() {
		var (
			l              model.ScheduleLog
			event, trigger string
			at             int64
			detail         sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.DeviceID, &event, &trigger, &at, &detail); err != nil {
			return nil, err
		}
		l.Event = model.ScheduleEvent(event)
		l.Trigger = model.Source(trigger)
		l.At = q.fromMillis(at)
		l.Detail = detail.String
		out = append(out, l)
	}
	return out, rows.Err()
}
