package state

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	f := NewFile(t.TempDir())
	got, err := f.LoadBookings()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty bookings, got %v", got)
	}
}

func TestSaveAndLoadBookings(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(dir)
	in := map[string]string{"2024-06-03-09:00": "R1", "2024-06-03-fit-in": "R2"}
	if err := f.SaveBookings(in); err != nil {
		t.Fatalf("save: %v", err)
	}
	if f.Path() != filepath.Join(dir, stateFileName) {
		t.Fatalf("unexpected path %s", f.Path())
	}

	got, err := NewFile(dir).LoadBookings()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got["2024-06-03-09:00"] != "R1" {
		t.Fatalf("unexpected bookings: %v", got)
	}

	if err := f.SaveBookings(nil); err != nil {
		t.Fatalf("save empty: %v", err)
	}
	got, _ = f.LoadBookings()
	if len(got) != 0 {
		t.Fatalf("expected bookings replaced, got %v", got)
	}
	if _, err := os.Stat(f.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, stateFileName), []byte("{not json"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFile(dir).LoadBookings(); err == nil {
		t.Fatalf("expected error for corrupt state")
	}
}
