package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestParseSlotKey(t *testing.T) {
	tests := []struct {
		key    string
		bucket Bucket
		ok     bool
	}{
		{"2024-06-03-09:00", Bucket0900, true},
		{"2024-06-03-11:00", Bucket1100, true},
		{"2024-06-03-15:00", Bucket1500, true},
		{"2024-06-03-fit-in", BucketFitIn, true},
		{"2024-06-03-", "", false},
		{"2024-06-31-09:00", "", false},
		{"2024-06-03-13:00", "", false},
		{"03/06/2024-09:00", "", false},
	}
	for _, tt := range tests {
		_, b, err := ParseSlotKey(tt.key)
		if tt.ok && (err != nil || b != tt.bucket) {
			t.Errorf("ParseSlotKey(%q) = %q, %v", tt.key, b, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidSlotKey) {
			t.Errorf("ParseSlotKey(%q) expected ErrInvalidSlotKey, got %v", tt.key, err)
		}
	}
}

func TestScheduledAt(t *testing.T) {
	at, timed, err := SlotKey("2024-06-03-11:00").ScheduledAt(time.UTC)
	if err != nil || !timed {
		t.Fatalf("unexpected: %v %v", timed, err)
	}
	if !at.Equal(time.Date(2024, 6, 3, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected time %v", at)
	}
	if _, timed, err := SlotKey("2024-06-03-fit-in").ScheduledAt(time.UTC); err != nil || timed {
		t.Fatalf("fit-in must not be timed: %v %v", timed, err)
	}
}

func TestNewSlotKeyRoundTrip(t *testing.T) {
	k := NewSlotKey(time.Date(2024, 6, 3, 17, 0, 0, 0, time.UTC), Bucket1500)
	if k != "2024-06-03-15:00" {
		t.Fatalf("unexpected key %q", k)
	}
	if k.Bucket() != Bucket1500 || !k.Valid() {
		t.Fatalf("key should parse back")
	}
}
