package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tankctl/internal/model"
)

const deviceCols = `id, name, location, last_seen, is_online, temperature, ph, light_state,
	firmware_version, token_issued_at, created_at, updated_at`

func (q *queries) scanDevice(row interface{ Scan(...any) error }) (model.Device, error) {
	var (
		d                         model.Device
		location, fw              sql.NullString
		lastSeen, issued, cr, upd int64
		online                    int
		temp, ph                  sql.NullFloat64
		light                     sql.NullInt64
	)
	if err := row.Scan(&d.ID, &d.Name, &location, &lastSeen, &online, &temp, &ph, &light,
		&fw, &issued, &cr, &upd); err != nil {
		return model.Device{}, err
	}
	d.Location = location.String
	d.FirmwareVersion = fw.String
	d.LastSeen = q.fromMillis(lastSeen)
	d.IsOnline = online != 0
	d.Temperature = floatPtr(temp)
	d.PH = floatPtr(ph)
	d.LightState = boolPtr(light)
	d.TokenIssuedAt = q.fromMillis(issued)
	d.CreatedAt = q.fromMillis(cr)
	d.UpdatedAt = q.fromMillis(upd)
	return d, nil
}

func (q *queries) CreateDevice(ctx context.Context, d model.Device) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO devices(`+deviceCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Name, nullStr(d.Location), millis(d.LastSeen), boolInt(d.IsOnline),
		nullFloat(d.Temperature), nullFloat(d.PH), nullBool(d.LightState),
		nullStr(d.FirmwareVersion), millis(d.TokenIssuedAt), millis(d.CreatedAt), millis(d.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("device name %q already registered: %w", d.Name, model.ErrConflict)
	}
	return err
}

func (q *queries) GetDevice(ctx context.Context, id string) (model.Device, error) {
	d, err := q.scanDevice(q.db.QueryRowContext(ctx, `SELECT `+deviceCols+` FROM devices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, notFound("device", id)
	}
	return d, err
}

func (q *queries) GetDeviceByName(ctx context.Context, name string) (model.Device, error) {
	d, err := q.scanDevice(q.db.QueryRowContext(ctx, `SELECT `+deviceCols+` FROM devices WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, notFound("device", name)
	}
	return d, err
}

func (q *queries) ListDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+deviceCols+` FROM devices ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Device
	for rows.Next() {
		d, err := q.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (q *queries) UpdateDevice(ctx context.Context, d model.Device) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE devices SET name=?, location=?, last_seen=?, is_online=?, temperature=?, ph=?,
		 light_state=?, firmware_version=?, token_issued_at=?, updated_at=? WHERE id=?`,
		d.Name, nullStr(d.Location), millis(d.LastSeen), boolInt(d.IsOnline),
		nullFloat(d.Temperature), nullFloat(d.PH), nullBool(d.LightState),
		nullStr(d.FirmwareVersion), millis(d.TokenIssuedAt), millis(d.UpdatedAt), d.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("device name %q already registered: %w", d.Name, model.ErrConflict)
		}
		return err
	}
	return expectOne(res, "device", d.ID)
}

func (q *queries) AppendStatusLog(ctx context.Context, l model.StatusLog) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO status_log(device_id, temperature, ph, light_state, firmware_version, at)
		 VALUES(?,?,?,?,?,?)`,
		l.DeviceID, nullFloat(l.Temperature), nullFloat(l.PH), nullBool(l.LightState),
		nullStr(l.FirmwareVersion), millis(l.At),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListStatusLog returns the newest rows first.
func (q *queries) ListStatusLog(ctx context.Context, deviceID string, limit int) ([]model.StatusLog, error) {
	if limit <= 0 {
		limit = model.DefaultHistoryLimit
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, device_id, temperature, ph, light_state, firmware_version, at
		 FROM status_log WHERE device_id = ? ORDER BY at DESC, id DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StatusLog
	for rows.Next() {
		var (
			l        model.StatusLog
			temp, ph sql.NullFloat64
			light    sql.NullInt64
			fw       sql.NullString
			at       int64
		)
		if err := rows.Scan(&l.ID, &l.DeviceID, &temp, &ph, &light, &fw, &at); err != nil {
			return nil, err
		}
		l.Temperature = floatPtr(temp)
		l.PH = floatPtr(ph)
		l.LightState = boolPtr(light)
		l.FirmwareVersion = fw.String
		l.At = q.fromMillis(at)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (q *queries) GetAlertState(ctx context.Context, deviceID string) (model.AlertState, bool, error) {
	var ms int64
	err := q.db.QueryRowContext(ctx, `SELECT last_alert_at FROM alert_state WHERE device_id = ?`, deviceID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AlertState{}, false, nil
	}
	if err != nil {
		return model.AlertState{}, false, err
	}
	return model.AlertState{DeviceID: deviceID, LastAlertAt: q.fromMillis(ms)}, true, nil
}

func (q *queries) PutAlertState(ctx context.Context, a model.AlertState) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO alert_state(device_id, last_alert_at) VALUES(?,?)
		 ON CONFLICT(device_id) DO UPDATE SET last_alert_at=excluded.last_alert_at`,
		a.DeviceID, millis(a.LastAlertAt),
	)
	return err
}

func (q *queries) DeleteAlertState(ctx context.Context, deviceID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM alert_state WHERE device_id = ?`, deviceID)
	return err
}
