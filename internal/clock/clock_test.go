package clock

import (
	"testing"
	"time"
)

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{in: "10:00", want: TimeOfDay{10, 0}},
		{in: "6:05", want: TimeOfDay{6, 5}},
		{in: " 23:59 ", want: TimeOfDay{23, 59}},
		{in: "22:00:00", want: TimeOfDay{22, 0}},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "12", wantErr: true},
		{in: "12:5", wantErr: true},
		{in: "ab:cd", wantErr: true},
		{in: "10:00:30", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseTimeOfDay(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseTimeOfDay(%q) err = nil, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseTimeOfDay(%q) err = %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseTimeOfDay(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTimeOfDayOnUsesLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("IST", 5*3600+1800)
	// 20:00 UTC is already the next civil day in IST.
	day := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)
	got := MustTimeOfDay("10:00").On(day, loc)
	want := time.Date(2024, 3, 2, 10, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("On = %v, want %v", got, want)
	}
}

func TestSameDate(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("IST", 5*3600+1800)
	a := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC) // 23:30 IST
	b := time.Date(2024, 3, 1, 19, 0, 0, 0, time.UTC) // 00:30 IST next day
	if SameDate(a, b, loc) {
		t.Fatalf("SameDate in IST = true, want false")
	}
	if !SameDate(a, b, time.UTC) {
		t.Fatalf("SameDate in UTC = false, want true")
	}
}

func TestManualAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start, time.UTC)
	m.Advance(90 * time.Second)
	if got := m.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("Now = %v, want %v", got, start.Add(90*time.Second))
	}
	if m.Location() != time.UTC {
		t.Fatalf("Location = %v, want UTC", m.Location())
	}
}

func TestTimeOfDayText(t *testing.T) {
	t.Parallel()

	var tod TimeOfDay
	if err := tod.UnmarshalText([]byte("07:30")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	b, _ := tod.MarshalText()
	if string(b) != "07:30" {
		t.Fatalf("MarshalText = %q, want 07:30", b)
	}
}
