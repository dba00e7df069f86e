package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tankctl/internal/model"
)

const commandCols = `id, device_id, command_type, parameters, source, status, retries,
	next_retry_at, created_at, updated_at, completed_at, result`

// outstandingSQL also matches legacy rows written before delivered existed.
const outstandingSQL = `('pending','delivered','in_progress','acknowledged')`

func (q *queries) scanCommand(row interface{ Scan(...any) error }) (model.Command, error) {
	var (
		c                   model.Command
		typ, source, status string
		params, result      sql.NullString
		nextRetry, cr, upd  int64
		completed           sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.DeviceID, &typ, &params, &source, &status, &c.Retries,
		&nextRetry, &cr, &upd, &completed, &result); err != nil {
		return model.Command{}, err
	}
	p, err := model.DecodePayload(typ, []byte(params.String))
	if err != nil {
		return model.Command{}, fmt.Errorf("command %s payload: %w", c.ID, err)
	}
	st, err := model.ParseStatus(status)
	if err != nil {
		return model.Command{}, fmt.Errorf("command %s: %w", c.ID, err)
	}
	src, err := model.ParseSource(source)
	if err != nil {
		return model.Command{}, fmt.Errorf("command %s: %w", c.ID, err)
	}
	c.Payload = p
	c.Status = st
	c.Source = src
	c.NextRetryAt = q.fromMillis(nextRetry)
	c.CreatedAt = q.fromMillis(cr)
	c.UpdatedAt = q.fromMillis(upd)
	c.CompletedAt = q.fromNullMillis(completed)
	c.Result = result.String
	return c, nil
}

func (q *queries) scanCommands(rows *sql.Rows) ([]model.Command, error) {
	defer rows.Close()
	var out []model.Command
	for rows.Next() {
		c, err := q.scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *queries) CreateCommand(ctx context.Context, c model.Command) error {
	params, err := c.Payload.ParamsJSON()
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO commands(`+commandCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.DeviceID, string(c.Payload.Type), nullStr(params), string(c.Source), string(c.Status),
		c.Retries, millis(c.NextRetryAt), millis(c.CreatedAt), millis(c.UpdatedAt),
		nullMillis(c.CompletedAt), nullStr(c.Result),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("command %s: %w", c.ID, model.ErrConflict)
	}
	return err
}

func (q *queries) GetCommand(ctx context.Context, id string) (model.Command, error) {
	c, err := q.scanCommand(q.db.QueryRowContext(ctx, `SELECT `+commandCols+` FROM commands WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Command{}, notFound("command", id)
	}
	return c, err
}

// UpdateCommand persists the mutable delivery fields. Payload, owner and
// creation time never change after insert.
func (q *queries) UpdateCommand(ctx context.Context, c model.Command) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE commands SET status=?, retries=?, next_retry_at=?, updated_at=?, completed_at=?, result=?
		 WHERE id=?`,
		string(c.Status), c.Retries, millis(c.NextRetryAt), millis(c.UpdatedAt),
		nullMillis(c.CompletedAt), nullStr(c.Result), c.ID,
	)
	if err != nil {
		return err
	}
	return expectOne(res, "command", c.ID)
}

func (q *queries) HeadOfLine(ctx context.Context, deviceID string) (model.Command, bool, error) {
	c, err := q.scanCommand(q.db.QueryRowContext(ctx,
		`SELECT `+commandCols+` FROM commands
		 WHERE device_id = ? AND status IN `+outstandingSQL+`
		 ORDER BY created_at ASC, seq ASC LIMIT 1`,
		deviceID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Command{}, false, nil
	}
	if err != nil {
		return model.Command{}, false, err
	}
	return c, true, nil
}

func (q *queries) DueHeads(ctx context.Context, now time.Time) ([]model.Command, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+commandCols+` FROM commands c
		 WHERE c.status IN `+outstandingSQL+`
		   AND c.next_retry_at <= ?
		   AND c.seq = (
		     SELECT h.seq FROM commands h
		     WHERE h.device_id = c.device_id AND h.status IN `+outstandingSQL+`
		     ORDER BY h.created_at ASC, h.seq ASC LIMIT 1
		   )
		 ORDER BY c.created_at ASC, c.seq ASC`,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	return q.scanCommands(rows)
}

// ListCommands returns matching commands newest first.
func (q *queries) ListCommands(ctx context.Context, f model.CommandFilter) ([]model.Command, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if len(f.Statuses) > 0 {
		var in []string
		for _, st := range f.Statuses {
			for _, raw := range statusAliases(st) {
				in = append(in, "?")
				args = append(args, raw)
			}
		}
		where = append(where, "status IN ("+strings.Join(in, ",")+")")
	}
	if f.Start != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.Start.UnixMilli())
	}
	if f.End != nil {
		where = append(where, "created_at <= ?")
		args = append(args, f.End.UnixMilli())
	}

	query := `SELECT ` + commandCols + ` FROM commands`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, seq DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return q.scanCommands(rows)
}

func statusAliases(s model.Status) []string {
	if s == model.StatusDelivered {
		return []string{"delivered", "in_progress", "acknowledged"}
	}
	return []string{string(s)}
}
