package schedule

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSlotKey is returned for keys that are not "YYYY-MM-DD-<bucket>".
var ErrInvalidSlotKey = errors.New("invalid slot key")

// Bucket is one of the fixed daily farewell slots.
type Bucket string

const (
	Bucket0900  Bucket = "09:00"
	Bucket1100  Bucket = "11:00"
	Bucket1500  Bucket = "15:00"
	BucketFitIn Bucket = "fit-in"
)

const dateLayout = "2006-01-02"

// Buckets lists the daily buckets in display order.
func Buckets() []Bucket {
	return []Bucket{Bucket0900, Bucket1100, Bucket1500, BucketFitIn}
}

func (b Bucket) Valid() bool {
	switch b {
	case Bucket0900, Bucket1100, Bucket1500, BucketFitIn:
		return true
	default:
		return false
	}
}

// Timed reports whether the bucket has a time of day. The emergency fit-in
// bucket does not and is never auto-released.
func (b Bucket) Timed() bool {
	return b.Valid() && b != BucketFitIn
}

// SlotKey identifies a calendar cell, e.g. "2024-06-03-11:00".
type SlotKey string

// NewSlotKey builds the key for day's bucket. Only the calendar date of day is used.
func NewSlotKey(day time.Time, b Bucket) SlotKey {
	return SlotKey(day.Format(dateLayout) + "-" + string(b))
}

// ParseSlotKey splits a key into its calendar date (midnight UTC) and bucket.
func ParseSlotKey(s string) (time.Time, Bucket, error) {
	if len(s) <= len(dateLayout)+1 || s[len(dateLayout)] != '-' {
		return time.Time{}, "", fmt.Errorf("%w: %q", ErrInvalidSlotKey, s)
	}
	day, err := time.Parse(dateLayout, s[:len(dateLayout)])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %q: %v", ErrInvalidSlotKey, s, err)
	}
	b := Bucket(s[len(dateLayout)+1:])
	if !b.Valid() {
		return time.Time{}, "", fmt.Errorf("%w: %q: unknown bucket", ErrInvalidSlotKey, s)
	}
	return day, b, nil
}

// Valid reports whether k parses.
func (k SlotKey) Valid() bool {
	_, _, err := ParseSlotKey(string(k))
	return err == nil
}

// ScheduledAt returns the wall-clock start of the slot in loc. The second
// result is false for the fit-in bucket.
func (k SlotKey) ScheduledAt(loc *time.Location) (time.Time, bool, error) {
	day, b, err := ParseSlotKey(string(k))
	if err != nil {
		return time.Time{}, false, err
	}
	if !b.Timed() {
		return time.Time{}, false, nil
	}
	tod, err := time.Parse("15:04", string(b))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %q: %v", ErrInvalidSlotKey, k, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(day.Year(), day.Month(), day.Day(), tod.Hour(), tod.Minute(), 0, 0, loc), true, nil
}

// Bucket returns the key's bucket, or "" when the key is malformed.
func (k SlotKey) Bucket() Bucket {
	_, b, err := ParseSlotKey(string(k))
	if err != nil {
		return ""
	}
	return b
}
