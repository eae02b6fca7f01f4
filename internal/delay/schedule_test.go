package delay

import (
	"bytes"
	"testing"
	"time"
)

func TestForAttempt(t *testing.T) {
	s := Schedule{{3, 10}, {5, 60}, {10, Forever}}

	tests := []struct {
		attempts uint32
		want     time.Duration
		forever  bool
	}{
		{0, 0, false},
		{1, 0, false},
		{2, 0, false},
		{3, 10 * time.Second, false},
		{4, 10 * time.Second, false},
		{5, 60 * time.Second, false},
		{9, 60 * time.Second, false},
		{10, 0, true},
		{200, 0, true},
	}
	for _, tt := range tests {
		got, forever := s.ForAttempt(tt.attempts)
		if got != tt.want || forever != tt.forever {
			t.Errorf("ForAttempt(%d) = (%v, %v), want (%v, %v)",
				tt.attempts, got, forever, tt.want, tt.forever)
		}
	}
}

func TestForAttemptEmptySchedule(t *testing.T) {
	var s Schedule
	if d, forever := s.ForAttempt(100); d != 0 || forever {
		t.Errorf("empty schedule: got (%v, %v), want (0, false)", d, forever)
	}
}

func TestEncodeDecode(t *testing.T) {
	s := Schedule{{3, 10}, {5, 60}, {10, Forever}}
	blob := s.Encode()
	got, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != len(s) {
		t.Fatalf("Decode returned %d entries, want %d", len(got), len(s))
	}
	for i := range s {
		if got[i] != s[i] {
			t.Errorf("entry %d: got %+v, want %+v", i, got[i], s[i])
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x00},
		{0x00, 0x02},                         // count says 2, no payload
		bytes.Repeat([]byte{0xff}, 11),       // misaligned length
		{0x00, 0x01, 0, 0, 0, 0, 0, 0, 0, 1}, // zero threshold
	}
	for i, blob := range cases {
		if _, err := Decode(blob); err == nil {
			t.Errorf("case %d: Decode accepted malformed blob", i)
		}
	}
}

func TestParse(t *testing.T) {
	s, err := Parse("3:10, 5:60, 10:forever")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Schedule{{3, 10}, {5, 60}, {10, Forever}}
	for i := range want {
		if s[i] != want[i] {
			t.Errorf("entry %d: got %+v, want %+v", i, s[i], want[i])
		}
	}
	if s.String() != "3:10,5:60,10:forever" {
		t.Errorf("String() = %q", s.String())
	}
}

func TestParseRejectsDecreasingThresholds(t *testing.T) {
	if _, err := Parse("5:10,3:60"); err == nil {
		t.Error("Parse accepted decreasing thresholds")
	}
	if _, err := Parse("0:10"); err == nil {
		t.Error("Parse accepted zero threshold")
	}
	if _, err := Parse("banana"); err == nil {
		t.Error("Parse accepted garbage")
	}
}
