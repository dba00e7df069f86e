package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tankctl/internal/clock"
	"tankctl/internal/model"
	logx "tankctl/pkg/logx"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func openTest(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tank.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedDevice(t *testing.T, st Store, id, name string) {
	t.Helper()
	d := model.Device{ID: id, Name: name, LastSeen: t0, IsOnline: true, CreatedAt: t0, UpdatedAt: t0}
	if err := st.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice(%s): %v", id, err)
	}
}

func seedCommand(t *testing.T, st Store, id, device string, created time.Time, status model.Status) {
	t.Helper()
	c := model.Command{
		ID: id, DeviceID: device, Payload: model.LightOn(), Source: model.SourceSystem,
		Status: status, NextRetryAt: created, CreatedAt: created, UpdatedAt: created,
	}
	if err := st.CreateCommand(context.Background(), c); err != nil {
		t.Fatalf("CreateCommand(%s): %v", id, err)
	}
}

func TestDeviceNameConflict(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	seedDevice(t, st, "d1", "reef")

	err := st.CreateDevice(context.Background(), model.Device{ID: "d2", Name: "reef", CreatedAt: t0, UpdatedAt: t0, LastSeen: t0})
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("CreateDevice duplicate name err = %v, want ErrConflict", err)
	}
	if _, err := st.GetDevice(context.Background(), "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("GetDevice(missing) err = %v, want ErrNotFound", err)
	}
}

func TestDeviceSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	seedDevice(t, st, "d1", "reef")

	temp, ph, light := 25.5, 7.2, true
	d, err := st.GetDevice(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if d.Temperature != nil || d.LightState != nil {
		t.Fatalf("fresh device has sensor values: %+v", d)
	}
	d.Temperature, d.PH, d.LightState = &temp, &ph, &light
	d.FirmwareVersion = "1.2.3"
	if err := st.UpdateDevice(ctx, d); err != nil {
		t.Fatalf("UpdateDevice: %v", err)
	}
	got, _ := st.GetDevice(ctx, "d1")
	if got.Temperature == nil || *got.Temperature != temp || got.LightState == nil || !*got.LightState {
		t.Fatalf("snapshot = %+v, want temp=%v light=true", got, temp)
	}
	if !got.LastSeen.Equal(t0) {
		t.Fatalf("LastSeen = %v, want %v", got.LastSeen, t0)
	}
}

func TestHeadOfLineIsOldestOutstanding(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	seedDevice(t, st, "d1", "reef")

	seedCommand(t, st, "done", "d1", t0, model.StatusSuccess)
	seedCommand(t, st, "b", "d1", t0.Add(2*time.Minute), model.StatusPending)
	seedCommand(t, st, "a", "d1", t0.Add(time.Minute), model.StatusDelivered)
	// same timestamp as b, inserted later
	seedCommand(t, st, "c", "d1", t0.Add(2*time.Minute), model.StatusPending)

	head, ok, err := st.HeadOfLine(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("HeadOfLine = ok %v err %v", ok, err)
	}
	if head.ID != "a" {
		t.Fatalf("HeadOfLine = %s, want a", head.ID)
	}

	if _, ok, _ := st.HeadOfLine(ctx, "nobody"); ok {
		t.Fatalf("HeadOfLine(nobody) ok = true, want false")
	}
}

func TestDueHeadsOnePerDevice(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	seedDevice(t, st, "d1", "reef")
	seedDevice(t, st, "d2", "nano")

	seedCommand(t, st, "d1-a", "d1", t0, model.StatusPending)
	seedCommand(t, st, "d1-b", "d1", t0.Add(time.Second), model.StatusPending)
	seedCommand(t, st, "d2-a", "d2", t0.Add(time.Hour), model.StatusPending)

	due, err := st.DueHeads(ctx, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("DueHeads: %v", err)
	}
	if len(due) != 1 || due[0].ID != "d1-a" {
		t.Fatalf("DueHeads = %v, want [d1-a]", ids(due))
	}

	due, _ = st.DueHeads(ctx, t0.Add(2*time.Hour))
	if len(due) != 2 {
		t.Fatalf("DueHeads later = %v, want one per device", ids(due))
	}
}

func TestDueHeadsSkipsWhenHeadNotDue(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	seedDevice(t, st, "d1", "reef")

	seedCommand(t, st, "head", "d1", t0, model.StatusDelivered)
	seedCommand(t, st, "next", "d1", t0.Add(time.Second), model.StatusPending)

	head, _ := st.GetCommand(ctx, "head")
	head.NextRetryAt = t0.Add(time.Hour)
	if err := st.UpdateCommand(ctx, head); err != nil {
		t.Fatalf("UpdateCommand: %v", err)
	}

	due, err := st.DueHeads(ctx, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("DueHeads: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("DueHeads = %v, want none while head is backing off", ids(due))
	}
}

func TestListCommandsFilters(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	seedDevice(t, st, "d1", "reef")

	for i, s := range []model.Status{model.StatusPending, model.StatusSuccess, model.StatusFailed, model.StatusSuccess} {
		seedCommand(t, st, string(rune('a'+i)), "d1", t0.Add(time.Duration(i)*time.Minute), s)
	}

	all, err := st.ListCommands(ctx, model.CommandFilter{DeviceID: "d1"})
	if err != nil {
		t.Fatalf("ListCommands: %v", err)
	}
	if got := ids(all); len(got) != 4 || got[0] != "d" {
		t.Fatalf("ListCommands = %v, want newest first", got)
	}

	ok, _ := st.ListCommands(ctx, model.CommandFilter{DeviceID: "d1", Statuses: []model.Status{model.StatusSuccess}})
	if len(ok) != 2 {
		t.Fatalf("status filter = %v, want 2", ids(ok))
	}

	start := t0.Add(time.Minute)
	end := t0.Add(2 * time.Minute)
	ranged, _ := st.ListCommands(ctx, model.CommandFilter{DeviceID: "d1", Start: &start, End: &end})
	if got := ids(ranged); len(got) != 2 || got[0] != "c" || got[1] != "b" {
		t.Fatalf("range filter = %v, want [c b]", got)
	}

	page, _ := st.ListCommands(ctx, model.CommandFilter{DeviceID: "d1", Limit: 1, Offset: 1})
	if got := ids(page); len(got) != 1 || got[0] != "c" {
		t.Fatalf("page = %v, want [c]", got)
	}

	if _, err := st.ListCommands(ctx, model.CommandFilter{Limit: 501}); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("limit 501 err = %v, want ErrInvalidInput", err)
	}
}

func TestInTxRollsBack(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	seedDevice(t, st, "d1", "reef")

	boom := errors.New("boom")
	err := st.InTx(ctx, func(q Queries) error {
		c := model.Command{ID: "x", DeviceID: "d1", Payload: model.LightOff(), Source: model.SourceManual,
			Status: model.StatusPending, NextRetryAt: t0, CreatedAt: t0, UpdatedAt: t0}
		if err := q.CreateCommand(ctx, c); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx err = %v, want boom", err)
	}
	if _, err := st.GetCommand(ctx, "x"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("GetCommand after rollback err = %v, want ErrNotFound", err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("IST", 5*3600+1800)
	st, err := Open(Config{Driver: "memory", Location: loc}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	seedDevice(t, st, "d1", "reef")

	if _, ok, _ := st.GetSettings(ctx, "d1"); ok {
		t.Fatalf("GetSettings before upsert ok = true")
	}
	until := t0.Add(3 * time.Hour)
	s := model.ScheduleSettings{
		DeviceID: "d1", LightOn: clock.MustTimeOfDay("22:00"), LightOff: clock.MustTimeOfDay("06:00"),
		Enabled: true, PausedUntil: &until, LastOn: &t0, UpdatedAt: t0,
	}
	if err := st.UpsertSettings(ctx, s); err != nil {
		t.Fatalf("UpsertSettings: %v", err)
	}
	got, ok, err := st.GetSettings(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("GetSettings ok=%v err=%v", ok, err)
	}
	if got.LightOn != s.LightOn || got.LightOff != s.LightOff || !got.Enabled {
		t.Fatalf("settings = %+v, want %+v", got, s)
	}
	if got.PausedUntil == nil || !got.PausedUntil.Equal(until) || got.PausedUntil.Location() != loc {
		t.Fatalf("PausedUntil = %v, want %v in IST", got.PausedUntil, until)
	}
	if got.LastOff != nil {
		t.Fatalf("LastOff = %v, want nil", got.LastOff)
	}

	got.ClearOverride()
	if err := st.UpsertSettings(ctx, got); err != nil {
		t.Fatalf("UpsertSettings clear: %v", err)
	}
	got, _, _ = st.GetSettings(ctx, "d1")
	if got.PausedUntil != nil || got.LastOn != nil {
		t.Fatalf("after clear = %+v, want no pause and no markers", got)
	}
}

func TestDedupAndPrune(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	if err := st.PutDedup(ctx, "k1", t0); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := st.PutDedup(ctx, "k2", t0.Add(time.Hour)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	until, ok, err := st.GetDedup(ctx, "k1")
	if err != nil || !ok || !until.Equal(t0) {
		t.Fatalf("GetDedup = %v %v %v, want %v", until, ok, err, t0)
	}
	n, err := st.PruneDedup(ctx, t0.Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("PruneDedup = %d %v, want 1", n, err)
	}
	if _, ok, _ := st.GetDedup(ctx, "k1"); ok {
		t.Fatalf("k1 still present after prune")
	}
}

func TestAlertState(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	seedDevice(t, st, "d1", "reef")

	if err := st.PutAlertState(ctx, model.AlertState{DeviceID: "d1", LastAlertAt: t0}); err != nil {
		t.Fatalf("PutAlertState: %v", err)
	}
	a, ok, err := st.GetAlertState(ctx, "d1")
	if err != nil || !ok || !a.LastAlertAt.Equal(t0) {
		t.Fatalf("GetAlertState = %+v %v %v", a, ok, err)
	}
	if err := st.DeleteAlertState(ctx, "d1"); err != nil {
		t.Fatalf("DeleteAlertState: %v", err)
	}
	if _, ok, _ := st.GetAlertState(ctx, "d1"); ok {
		t.Fatalf("alert state still present")
	}
}

func ids(cs []model.Command) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}
