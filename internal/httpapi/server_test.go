package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tankctl/internal/auth"
	"tankctl/internal/clock"
	"tankctl/internal/command"
	"tankctl/internal/eventbus"
	"tankctl/internal/fleet"
	"tankctl/internal/model"
	"tankctl/internal/schedule"
	"tankctl/internal/storage"
	logx "tankctl/pkg/logx"
)

const (
	testPSK   = "tank-psk"
	testAdmin = "admin-key"
)

var ist = time.FixedZone("IST", 5*3600+1800)

type harness struct {
	srv *Server
	clk *clock.Manual
	bus eventbus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory", Location: ist}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clk := clock.NewManual(time.Date(2024, 3, 1, 12, 0, 0, 0, ist), ist)
	bus := eventbus.New()
	tokens, err := auth.NewTokens(auth.Config{Secret: "http-test-secret-0123456"})
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	cmds := command.New(command.Config{}, st, clk, bus, logx.Nop())
	sched := schedule.New(schedule.Config{}, st, cmds, clk, bus, logx.Nop())
	cmds.SetOverrides(sched)
	fl := fleet.New(fleet.Config{PresharedKey: testPSK}, st, tokens, sched, clk, bus, logx.Nop())

	srv := New(Config{AdminAPIKey: testAdmin}, Deps{
		Commands:  cmds,
		Schedules: sched,
		Fleet:     fl,
		Tokens:    tokens,
		Bus:       bus,
		Clock:     clk,
		Health:    func() map[string]any { return map[string]any{"bus": bus.Stats()} },
	}, logx.Nop())
	return &harness{srv: srv, clk: clk, bus: bus}
}

type reqOpt func(*http.Request)

func bearer(tok string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }
}

func admin() reqOpt {
	return func(r *http.Request) { r.Header.Set("X-API-Key", testAdmin) }
}

func (h *harness) do(t *testing.T, method, path string, body any, opts ...reqOpt) (int, map[string]any, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for _, o := range opts {
		o(req)
	}
	resp, err := h.srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out, raw
}

func (h *harness) register(t *testing.T, name string) (id, token string) {
	t.Helper()
	code, body, raw := h.do(t, http.MethodPost, "/tank/register", map[string]any{
		"auth_key": testPSK, "tank_name": name, "firmware_version": "1.2.3",
	})
	if code != http.StatusCreated {
		t.Fatalf("register = %d %s, want 201", code, raw)
	}
	return body["tank_id"].(string), body["access_token"].(string)
}

func errKind(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	k, _ := e["kind"].(string)
	return k
}

func TestRegister(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	code, body, _ := h.do(t, http.MethodPost, "/tank/register", map[string]any{"auth_key": "wrong", "tank_name": "reef"})
	if code != http.StatusUnauthorized || errKind(body) != "unauthorized" {
		t.Fatalf("register(bad key) = %d %v, want 401 unauthorized", code, body)
	}

	code, body, _ = h.do(t, http.MethodPost, "/tank/register", map[string]any{
		"auth_key": testPSK, "tank_name": "reef", "light_on": "08:00", "light_off": "20:30",
	})
	if code != http.StatusCreated {
		t.Fatalf("register = %d %v, want 201", code, body)
	}
	if body["light_on"] != "08:00" || body["light_off"] != "20:30" || body["is_schedule_enabled"] != true {
		t.Fatalf("register body = %v", body)
	}

	code, body, _ = h.do(t, http.MethodPost, "/tank/register", map[string]any{"auth_key": testPSK, "tank_name": "reef", "light_on": "8am"})
	if code != http.StatusUnprocessableEntity || errKind(body) != "invalid_input" {
		t.Fatalf("register(bad time) = %d %v, want 422", code, body)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id, tok := h.register(t, "reef")
	_, otherTok := h.register(t, "nano")

	code, body, raw := h.do(t, http.MethodPost, "/tank/"+id+"/command",
		map[string]any{"command_payload": map[string]any{"command_type": "feed_now", "parameters": map[string]any{"portions": 2}}}, admin())
	if code != http.StatusCreated || body["status"] != "pending" {
		t.Fatalf("issue = %d %s, want 201 pending", code, raw)
	}
	cmdID := body["command_id"].(string)

	if code, _, _ := h.do(t, http.MethodPost, "/tank/"+id+"/command", map[string]any{"command_payload": "light_on"}); code != http.StatusUnauthorized {
		t.Fatalf("issue without API key = %d, want 401", code)
	}
	if code, body, _ := h.do(t, http.MethodPost, "/tank/"+id+"/command", map[string]any{"command_payload": "dance"}, admin()); code != http.StatusUnprocessableEntity {
		t.Fatalf("issue(unknown type) = %d %v, want 422", code, body)
	}

	code, body, raw = h.do(t, http.MethodGet, "/tank/command", nil, bearer(tok))
	if code != http.StatusOK || body["command_id"] != cmdID {
		t.Fatalf("fetch = %d %s", code, raw)
	}
	payload, _ := body["command_payload"].(map[string]any)
	if payload["command_type"] != "feed_now" {
		t.Fatalf("payload = %v", payload)
	}

	if code, _, _ := h.do(t, http.MethodPost, "/tank/command/ack", map[string]any{"command_id": cmdID, "success": true}, bearer(otherTok)); code != http.StatusForbidden {
		t.Fatalf("ack by other tank = %d, want 403", code)
	}
	if code, _, _ := h.do(t, http.MethodPost, "/tank/command/ack", map[string]any{"command_id": "nope", "success": true}, bearer(tok)); code != http.StatusNotFound {
		t.Fatalf("ack unknown = %d, want 404", code)
	}
	if code, _, raw := h.do(t, http.MethodPost, "/tank/command/ack", map[string]any{"command_id": cmdID, "success": true}, bearer(tok)); code != http.StatusOK {
		t.Fatalf("ack = %d %s", code, raw)
	}
	if _, body, _ := h.do(t, http.MethodGet, "/tank/command", nil, bearer(tok)); body["message"] != "No pending command" {
		t.Fatalf("fetch after ack = %v", body)
	}

	code, _, raw = h.do(t, http.MethodGet, "/tank/"+id+"/commands/history?status=success", nil, admin())
	var hist []map[string]any
	if err := json.Unmarshal(raw, &hist); err != nil || code != http.StatusOK || len(hist) != 1 {
		t.Fatalf("history = %d %s", code, raw)
	}
	if code, _, _ := h.do(t, http.MethodGet, "/tank/"+id+"/commands/history?limit=501", nil, admin()); code != http.StatusUnprocessableEntity {
		t.Fatalf("history(limit=501) = %d, want 422", code)
	}
}

func TestReRegisterRevokesOldToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, oldTok := h.register(t, "reef")
	h.clk.Advance(2 * time.Second)
	_, newTok := h.register(t, "reef")

	if code, _, _ := h.do(t, http.MethodGet, "/tank/command", nil, bearer(oldTok)); code != http.StatusUnauthorized {
		t.Fatalf("old token = %d, want 401", code)
	}
	if code, _, _ := h.do(t, http.MethodGet, "/tank/command", nil, bearer(newTok)); code != http.StatusOK {
		t.Fatalf("new token = %d, want 200", code)
	}
	if code, _, _ := h.do(t, http.MethodGet, "/tank/command", nil, bearer("garbage")); code != http.StatusUnauthorized {
		t.Fatalf("garbage token = %d, want 401", code)
	}
}

func TestStatusReport(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id, tok := h.register(t, "reef")

	code, body, _ := h.do(t, http.MethodPost, "/tank/status", map[string]any{"temperature": 60.0}, bearer(tok))
	if code != http.StatusUnprocessableEntity || errKind(body) != "invalid_input" {
		t.Fatalf("status(hot) = %d %v, want 422", code, body)
	}
	code, _, raw := h.do(t, http.MethodPost, "/tank/status",
		map[string]any{"temperature": 25.5, "ph": 7.2, "light_state": true, "firmware_version": "1.2.4"}, bearer(tok))
	if code != http.StatusOK {
		t.Fatalf("status = %d %s", code, raw)
	}

	code, _, raw = h.do(t, http.MethodGet, "/tanks/"+id+"/status?limit=5", nil, admin())
	var logs []map[string]any
	if err := json.Unmarshal(raw, &logs); err != nil || code != http.StatusOK || len(logs) != 1 {
		t.Fatalf("status history = %d %s", code, raw)
	}

	code, body, raw = h.do(t, http.MethodGet, "/tanks/"+id, nil, admin())
	if code != http.StatusOK || body["temperature"] != 25.5 || body["settings"] == nil {
		t.Fatalf("tank detail = %d %s", code, raw)
	}
	if code, body, _ := h.do(t, http.MethodGet, "/tanks/ghost", nil, admin()); code != http.StatusNotFound || errKind(body) != "not_found" {
		t.Fatalf("tank ghost = %d %v", code, body)
	}
}

func TestSettingsAndOverride(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id, tok := h.register(t, "reef")

	code, body, raw := h.do(t, http.MethodPut, "/tank/settings",
		map[string]any{"tank_id": id, "light_on": "09:00", "is_schedule_enabled": true}, admin())
	if code != http.StatusOK || body["light_on"] != "09:00" || body["light_off"] != "16:00" {
		t.Fatalf("update settings = %d %s", code, raw)
	}
	if code, _, _ := h.do(t, http.MethodPut, "/tank/settings", map[string]any{"light_on": "09:00"}, admin()); code != http.StatusUnprocessableEntity {
		t.Fatalf("update without tank_id = %d, want 422", code)
	}

	code, body, raw = h.do(t, http.MethodPost, "/tank/settings/override",
		map[string]any{"tank_id": id, "override_command": "light_off"}, admin())
	if code != http.StatusOK || body["paused_until"] == nil {
		t.Fatalf("override = %d %s", code, raw)
	}
	if code, _, _ := h.do(t, http.MethodPost, "/tank/settings/override",
		map[string]any{"tank_id": id, "override_command": "feed_now"}, admin()); code != http.StatusUnprocessableEntity {
		t.Fatalf("override(feed_now) = %d, want 422", code)
	}

	// the device sees its own paused schedule
	if _, body, _ := h.do(t, http.MethodGet, "/tank/settings/me", nil, bearer(tok)); body["paused_until"] == nil {
		t.Fatalf("settings/me = %v", body)
	}

	code, body, raw = h.do(t, http.MethodPost, "/tank/settings/override/clear?tank_id="+id, nil, admin())
	if code != http.StatusOK || body["paused_until"] != nil {
		t.Fatalf("clear = %d %s", code, raw)
	}
	if code, _, _ := h.do(t, http.MethodGet, "/tank/settings?tank_id=ghost", nil, admin()); code != http.StatusNotFound {
		t.Fatalf("settings ghost = %d, want 404", code)
	}
}

func TestPublishedEventsKeepDeviceID(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	id, _ := h.register(t, "reef")
	ch, unsub := h.bus.Subscribe(64)
	defer unsub()

	if code, _, raw := h.do(t, http.MethodPost, "/tank/"+id+"/command", map[string]any{"command_payload": "feed_now"}, admin()); code != http.StatusCreated {
		t.Fatalf("issue = %d %s", code, raw)
	}
	if code, _, raw := h.do(t, http.MethodPost, "/tank/settings/override", map[string]any{"tank_id": id, "override_command": "light_on"}, admin()); code != http.StatusOK {
		t.Fatalf("override = %d %s", code, raw)
	}
	if code, _, raw := h.do(t, http.MethodPost, "/tank/settings/override/clear?tank_id="+id, nil, admin()); code != http.StatusOK {
		t.Fatalf("clear = %d %s", code, raw)
	}

	var held []eventbus.Event
	for len(ch) > 0 {
		held = append(held, <-ch)
	}
	types := map[string]bool{}
	for _, e := range held {
		types[e.Type] = true
	}
	for _, want := range []string{model.EventCommandIssued, model.EventOverrideSet, model.EventOverrideCleared} {
		if !types[want] {
			t.Fatalf("events = %v, missing %s", types, want)
		}
	}

	// later requests must not rewrite ids already handed to subscribers
	other := strings.Repeat("Z", len(id))
	for i := 0; i < 50; i++ {
		h.do(t, http.MethodGet, "/tank/"+other+"/commands/history", nil, admin())
		h.do(t, http.MethodPost, "/tank/settings/override/clear?tank_id="+other, nil, admin())
	}
	for _, e := range held {
		if e.DeviceID != id {
			t.Fatalf("%s DeviceID = %q, want %q", e.Type, e.DeviceID, id)
		}
		if ev, ok := e.Data.(model.Event); ok && ev.DeviceID != id {
			t.Fatalf("%s payload DeviceID = %q, want %q", e.Type, ev.DeviceID, id)
		}
	}
}

func TestUnknownRouteAndHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	code, body, _ := h.do(t, http.MethodGet, "/nope", nil)
	if code != http.StatusNotFound || errKind(body) != "not_found" {
		t.Fatalf("unknown route = %d %v", code, body)
	}
	code, body, _ = h.do(t, http.MethodGet, "/healthz", nil)
	if code != http.StatusOK || body["status"] != "ok" || body["bus"] == nil {
		t.Fatalf("healthz = %d %v", code, body)
	}
}

func TestEventFilter(t *testing.T) {
	t.Parallel()
	cases := []struct {
		tank, typ string
		ev        eventbus.Event
		want      bool
	}{
		{"", "", eventbus.Event{Type: "task.started"}, true},
		{"d1", "", eventbus.Event{Type: "device.online", DeviceID: "d2"}, false},
		{"d1", "device.online", eventbus.Event{Type: "device.online", DeviceID: "d1"}, true},
		{"", "command.*", eventbus.Event{Type: "command.failed"}, true},
		{"", "command.*", eventbus.Event{Type: "device.offline"}, false},
		{"", "device.offline", eventbus.Event{Type: "device.offline_alert"}, false},
	}
	for _, tc := range cases {
		if got := eventFilter(tc.tank, tc.typ)(tc.ev); got != tc.want {
			t.Fatalf("eventFilter(%q,%q)(%s/%s) = %v, want %v", tc.tank, tc.typ, tc.ev.DeviceID, tc.ev.Type, got, tc.want)
		}
	}
}

func TestWriteSSE(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := writeSSE(&buf, "7", "device.online", map[string]string{"tank_id": "d1"}); err != nil {
		t.Fatalf("writeSSE: %v", err)
	}
	want := "id: 7\nevent: device.online\ndata: {\"tank_id\":\"d1\"}\n\n"
	if buf.String() != want {
		t.Fatalf("frame = %q, want %q", buf.String(), want)
	}
}

func TestEventsRequiresKnownTank(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if code, _, _ := h.do(t, http.MethodGet, "/events", nil); code != http.StatusUnauthorized {
		t.Fatalf("events without key = %d, want 401", code)
	}
	code, body, _ := h.do(t, http.MethodGet, "/events?tank_id=ghost", nil, admin())
	if code != http.StatusNotFound || !strings.Contains(errKind(body), "not_found") {
		t.Fatalf("events ghost = %d %v", code, body)
	}
}
