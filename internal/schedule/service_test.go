package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"tankctl/internal/clock"
	"tankctl/internal/command"
	"tankctl/internal/eventbus"
	"tankctl/internal/model"
	"tankctl/internal/storage"
	logx "tankctl/pkg/logx"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func at(day, hour, minute int) time.Time {
	return time.Date(2024, 3, day, hour, minute, 0, 0, ist)
}

type fixture struct {
	svc   *Service
	cmds  *command.Service
	store storage.Store
	clk   *clock.Manual
	bus   eventbus.Bus
}

func newFixture(t *testing.T, start time.Time) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory", Location: ist}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clk := clock.NewManual(start, ist)
	bus := eventbus.New()
	cmds := command.New(command.Config{}, st, clk, bus, logx.Nop())
	svc := New(Config{}, st, cmds, clk, bus, logx.Nop())
	cmds.SetOverrides(svc)

	d := model.Device{ID: "d1", Name: "reef", LastSeen: start, IsOnline: true, CreatedAt: start, UpdatedAt: start}
	if err := st.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	return &fixture{svc: svc, cmds: cmds, store: st, clk: clk, bus: bus}
}

func (f *fixture) setWindow(t *testing.T, on, off string) {
	t.Helper()
	a, b := clock.MustTimeOfDay(on), clock.MustTimeOfDay(off)
	if _, err := f.svc.UpdateSettings(context.Background(), "d1", model.SettingsPatch{LightOn: &a, LightOff: &b}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
}

// run ticks once a minute over [from, to).
func (f *fixture) run(t *testing.T, from, to time.Time) {
	t.Helper()
	for now := from; now.Before(to); now = now.Add(time.Minute) {
		f.clk.Set(now)
		if _, err := f.svc.Tick(context.Background()); err != nil {
			t.Fatalf("Tick at %v: %v", now, err)
		}
	}
}

type fired struct {
	typ model.CommandType
	at  time.Time
}

func (f *fixture) scheduled(t *testing.T) []fired {
	t.Helper()
	cs, err := f.store.ListCommands(context.Background(), model.CommandFilter{DeviceID: "d1", Limit: model.MaxHistoryLimit})
	if err != nil {
		t.Fatalf("ListCommands: %v", err)
	}
	var out []fired
	for i := len(cs) - 1; i >= 0; i-- {
		if cs[i].Source == model.SourceScheduled {
			out = append(out, fired{typ: cs[i].Payload.Type, at: cs[i].CreatedAt})
		}
	}
	return out
}

func TestInsideWindow(t *testing.T) {
	t.Parallel()
	cases := []struct {
		on, off, now string
		want         bool
	}{
		{"10:00", "16:00", "09:59", false},
		{"10:00", "16:00", "10:00", true},
		{"10:00", "16:00", "15:59", true},
		{"10:00", "16:00", "16:00", false},
		{"22:00", "06:00", "23:00", true},
		{"22:00", "06:00", "02:00", true},
		{"22:00", "06:00", "12:00", false},
		{"22:00", "06:00", "06:00", false},
		{"22:00", "06:00", "22:00", true},
		{"10:00", "10:00", "10:00", false},
	}
	for _, tc := range cases {
		n := clock.MustTimeOfDay(tc.now)
		got := InsideWindow(clock.MustTimeOfDay(tc.on), clock.MustTimeOfDay(tc.off), at(1, n.Hour, n.Minute), ist)
		if got != tc.want {
			t.Fatalf("InsideWindow(%s-%s, %s) = %v, want %v", tc.on, tc.off, tc.now, got, tc.want)
		}
	}
}

func TestNextEdge(t *testing.T) {
	t.Parallel()
	ten := clock.MustTimeOfDay("10:00")
	four := clock.MustTimeOfDay("16:00")

	if got := NextEdge(ten, at(1, 11, 0), ist); !got.Equal(at(2, 10, 0)) {
		t.Fatalf("NextEdge(10:00 @11:00) = %v, want next day 10:00", got)
	}
	if got := NextEdge(four, at(1, 11, 0), ist); !got.Equal(at(1, 16, 0)) {
		t.Fatalf("NextEdge(16:00 @11:00) = %v, want today 16:00", got)
	}
	if got := NextEdge(ten, at(1, 10, 0), ist); !got.Equal(at(2, 10, 0)) {
		t.Fatalf("NextEdge(10:00 @10:00) = %v, want tomorrow", got)
	}
	// Across a month boundary.
	if got := NextEdge(ten, time.Date(2024, 3, 31, 12, 0, 0, 0, ist), ist); !got.Equal(time.Date(2024, 4, 1, 10, 0, 0, 0, ist)) {
		t.Fatalf("NextEdge at month end = %v", got)
	}
}

func TestFiresOncePerEdgePerDay(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 0, 0))

	f.run(t, at(1, 0, 0), at(2, 0, 0))

	got := f.scheduled(t)
	if len(got) != 2 {
		t.Fatalf("scheduled commands = %+v, want exactly one on and one off", got)
	}
	if got[0].typ != model.CommandLightOn || !got[0].at.Equal(at(1, 10, 0)) {
		t.Fatalf("first = %+v, want light_on at 10:00", got[0])
	}
	if got[1].typ != model.CommandLightOff || !got[1].at.Equal(at(1, 16, 0)) {
		t.Fatalf("second = %+v, want light_off at 16:00", got[1])
	}

	// Second day repeats the pattern.
	f.run(t, at(2, 0, 0), at(3, 0, 0))
	if got := f.scheduled(t); len(got) != 4 {
		t.Fatalf("after two days = %d commands, want 4", len(got))
	}
}

func TestOvernightWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 12, 0))
	f.setWindow(t, "22:00", "06:00")

	f.run(t, at(1, 12, 0), at(2, 12, 0))

	got := f.scheduled(t)
	if len(got) != 2 {
		t.Fatalf("scheduled = %+v, want on at 22:00 and off at 06:00", got)
	}
	if got[0].typ != model.CommandLightOn || !got[0].at.Equal(at(1, 22, 0)) {
		t.Fatalf("first = %+v", got[0])
	}
	if got[1].typ != model.CommandLightOff || !got[1].at.Equal(at(2, 6, 0)) {
		t.Fatalf("second = %+v", got[1])
	}
}

func TestOvernightWindowSetAfterMidnight(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 2, 0))
	f.setWindow(t, "22:00", "06:00")

	f.run(t, at(1, 2, 0), at(2, 1, 0))

	got := f.scheduled(t)
	want := []fired{
		{model.CommandLightOn, at(1, 2, 0)},
		{model.CommandLightOff, at(1, 6, 0)},
		{model.CommandLightOn, at(1, 22, 0)},
	}
	if len(got) != len(want) {
		t.Fatalf("scheduled = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i].typ != want[i].typ || !got[i].at.Equal(want[i].at) {
			t.Fatalf("scheduled[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestOverrideSuppressesUntilOppositeEdge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, at(1, 10, 0))

	f.run(t, at(1, 10, 0), at(1, 11, 0))
	if n := len(f.scheduled(t)); n != 1 {
		t.Fatalf("scheduled before override = %d, want 1", n)
	}

	f.clk.Set(at(1, 11, 0))
	st, err := f.svc.ManualOverride(ctx, "d1", model.CommandLightOff)
	if err != nil {
		t.Fatalf("ManualOverride: %v", err)
	}
	if st.PausedUntil == nil || !st.PausedUntil.Equal(at(2, 10, 0)) {
		t.Fatalf("PausedUntil = %v, want %v", st.PausedUntil, at(2, 10, 0))
	}

	f.run(t, at(1, 11, 0), at(2, 10, 0))
	if n := len(f.scheduled(t)); n != 1 {
		t.Fatalf("scheduled while paused = %d, want still 1", n)
	}

	f.run(t, at(2, 10, 0), at(2, 10, 1))
	got := f.scheduled(t)
	if len(got) != 2 || got[1].typ != model.CommandLightOn {
		t.Fatalf("after pause expiry = %+v, want light_on resumed", got)
	}
	st, _ = f.svc.Settings(ctx, "d1")
	if st.PausedUntil != nil {
		t.Fatalf("pause not cleared after expiry: %v", st.PausedUntil)
	}
}

func TestForcedOnResumesWithOffEdge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, at(1, 17, 0))

	st, err := f.svc.ManualOverride(ctx, "d1", model.CommandLightOn)
	if err != nil {
		t.Fatalf("ManualOverride: %v", err)
	}
	if !st.PausedUntil.Equal(at(2, 16, 0)) {
		t.Fatalf("PausedUntil = %v, want next 16:00", st.PausedUntil)
	}

	f.run(t, at(1, 17, 0), at(2, 16, 1))
	got := f.scheduled(t)
	if len(got) != 1 || got[0].typ != model.CommandLightOff || !got[0].at.Equal(at(2, 16, 0)) {
		t.Fatalf("scheduled = %+v, want a single light_off when the pause ends", got)
	}
}

func TestClearOverride(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, at(1, 11, 0))

	ch, unsub := f.bus.Subscribe(32)
	defer unsub()

	if _, err := f.svc.ClearOverride(ctx, "d1"); err != nil {
		t.Fatalf("ClearOverride without pause: %v", err)
	}
	logs, _ := f.store.ListScheduleLog(ctx, "d1", 10)
	if len(logs) != 0 || len(ch) != 0 {
		t.Fatalf("no-op clear wrote %d logs and %d events", len(logs), len(ch))
	}

	if _, err := f.svc.ManualOverride(ctx, "d1", model.CommandLightOff); err != nil {
		t.Fatalf("ManualOverride: %v", err)
	}
	st, err := f.svc.ClearOverride(ctx, "d1")
	if err != nil {
		t.Fatalf("ClearOverride: %v", err)
	}
	if st.PausedUntil != nil || st.LastOn != nil || st.LastOff != nil {
		t.Fatalf("after clear = %+v, want no pause and no markers", st)
	}

	// Control returns immediately: 11:00 is inside the window.
	f.run(t, at(1, 11, 1), at(1, 11, 2))
	if got := f.scheduled(t); len(got) != 1 || got[0].typ != model.CommandLightOn {
		t.Fatalf("scheduled after clear = %+v, want light_on", got)
	}

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	want := map[string]bool{model.EventOverrideSet: false, model.EventOverrideCleared: false, model.EventScheduleFired: false}
	for _, typ := range types {
		if _, ok := want[typ]; ok {
			want[typ] = true
		}
	}
	for typ, seen := range want {
		if !seen {
			t.Fatalf("event %s not published; got %v", typ, types)
		}
	}
}

func TestUpdateSettingsClearsOverride(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, at(1, 11, 0))

	if _, err := f.svc.ManualOverride(ctx, "d1", model.CommandLightOn); err != nil {
		t.Fatalf("ManualOverride: %v", err)
	}
	off := false
	st, err := f.svc.UpdateSettings(ctx, "d1", model.SettingsPatch{Enabled: &off})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if st.PausedUntil != nil || st.Enabled {
		t.Fatalf("settings = %+v, want override cleared and disabled", st)
	}
	if st.LightOn != DefaultOn || st.LightOff != DefaultOff {
		t.Fatalf("window changed by partial patch: %s-%s", st.LightOn, st.LightOff)
	}

	f.run(t, at(1, 11, 0), at(1, 18, 0))
	if got := f.scheduled(t); len(got) != 0 {
		t.Fatalf("disabled schedule fired: %+v", got)
	}
}

func TestSettingsLazyDefaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, at(1, 8, 0))

	st, err := f.svc.Settings(ctx, "d1")
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if st.LightOn != DefaultOn || st.LightOff != DefaultOff || !st.Enabled {
		t.Fatalf("defaults = %+v", st)
	}
	if _, err := f.svc.Settings(ctx, "ghost"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Settings(ghost) err = %v, want ErrNotFound", err)
	}
	if _, err := f.svc.ManualOverride(ctx, "d1", model.CommandFeedNow); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("ManualOverride(feed_now) err = %v, want ErrInvalidInput", err)
	}
}
