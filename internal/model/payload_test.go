package model

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPayloadUnmarshal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      string
		want    CommandType
		wantErr bool
	}{
		{name: "legacy string", in: `"light_on"`, want: CommandLightOn},
		{name: "legacy string upper", in: `"LIGHT_OFF"`, want: CommandLightOff},
		{name: "structured", in: `{"command_type":"restart"}`, want: CommandRestart},
		{name: "feed with portions", in: `{"command_type":"feed_now","parameters":{"portions":3}}`, want: CommandFeedNow},
		{name: "feed without params", in: `{"command_type":"feed_now"}`, want: CommandFeedNow},
		{name: "firmware", in: `{"command_type":"update_firmware","parameters":{"version":"1.4.0","url":"https://x/fw.bin"}}`, want: CommandUpdateFirmware},
		{name: "unknown type", in: `"dance"`, wantErr: true},
		{name: "unknown param", in: `{"command_type":"feed_now","parameters":{"grams":3}}`, wantErr: true},
		{name: "portions out of range", in: `{"command_type":"feed_now","parameters":{"portions":11}}`, wantErr: true},
		{name: "params on restart", in: `{"command_type":"restart","parameters":{"portions":1}}`, wantErr: true},
		{name: "firmware missing version", in: `{"command_type":"update_firmware"}`, wantErr: true},
		{name: "firmware bad version", in: `{"command_type":"update_firmware","parameters":{"version":"v1"}}`, wantErr: true},
		{name: "unknown top-level field", in: `{"command_type":"restart","extra":1}`, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var p Payload
			err := json.Unmarshal([]byte(tc.in), &p)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Fatalf("Unmarshal(%s) err = %v, want ErrInvalidInput", tc.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal(%s) err = %v", tc.in, err)
			}
			if p.Type != tc.want {
				t.Fatalf("Type = %q, want %q", p.Type, tc.want)
			}
		})
	}
}

func TestPayloadMarshalStructured(t *testing.T) {
	t.Parallel()

	p := Payload{Type: CommandFeedNow, Feed: &FeedParams{Portions: 2}}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got, want := string(b), `{"command_type":"feed_now","parameters":{"portions":2}}`; got != want {
		t.Fatalf("Marshal = %s, want %s", got, want)
	}

	b, _ = json.Marshal(LightOff())
	if got, want := string(b), `{"command_type":"light_off"}`; got != want {
		t.Fatalf("Marshal = %s, want %s", got, want)
	}
}

func TestParseStatusLegacy(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Status{
		"pending":      StatusPending,
		"in_progress":  StatusDelivered,
		"acknowledged": StatusDelivered,
		"delivered":    StatusDelivered,
		"success":      StatusSuccess,
		"failed":       StatusFailed,
	} {
		got, err := ParseStatus(in)
		if err != nil || got != want {
			t.Fatalf("ParseStatus(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseStatus("lost"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("ParseStatus(lost) err = %v, want ErrInvalidInput", err)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	wrapped := func(e error) error { return errors.Join(errors.New("ctx"), e) }
	cases := map[error]Kind{
		wrapped(ErrNotFound):     KindNotFound,
		wrapped(ErrForbidden):    KindForbidden,
		wrapped(ErrInvalidInput): KindInvalidInput,
		wrapped(ErrConflict):     KindConflict,
		ErrUnauthorized:          KindUnauthorized,
		errors.New("disk full"):  KindInternal,
	}
	for err, want := range cases {
		if got := KindOf(err); got != want {
			t.Fatalf("KindOf(%v) = %v, want %v", err, got, want)
		}
	}
}

func TestCommandFilterNormalize(t *testing.T) {
	t.Parallel()

	f, err := CommandFilter{}.Normalize()
	if err != nil || f.Limit != DefaultHistoryLimit {
		t.Fatalf("Normalize() = %+v, %v; want default limit", f, err)
	}
	if _, err := (CommandFilter{Limit: -1}).Normalize(); err == nil {
		t.Fatalf("Normalize(limit=-1) err = nil")
	}
	if _, err := (CommandFilter{Offset: -1}).Normalize(); err == nil {
		t.Fatalf("Normalize(offset=-1) err = nil")
	}
}
