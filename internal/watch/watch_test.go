package watch

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcherCoalescesEvents(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var fired atomic.Int32
	w, err := New([]string{dir}, 50*time.Millisecond, func() { fired.Add(1) })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	// A burst of saves within the quiet window fires the callback once.
	for i := 0; i < 3; i++ {
		path := filepath.Join(dir, "demo.kicad_pcb")
		if err := os.WriteFile(path, []byte{byte(i)}, 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// Quiet period; no further fires for the same burst.
	time.Sleep(150 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("callback fired %d times, want 1", got)
	}
}

func TestWatcherIgnoresEditorDroppings(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var fired atomic.Int32
	w, err := New([]string{dir}, 30*time.Millisecond, func() { fired.Add(1) })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	for _, name := range []string{"demo.kicad_pcb.lck", "_autosave-demo.kicad_pcb", "demo.kicad_prl", "~demo.kicad_sch"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(300 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("callback fired %d times for ignored files", got)
	}
}

func TestIgnorePath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path   string
		ignore bool
	}{
		{"/p/demo.kicad_pcb", false},
		{"/p/demo.kicad_sch", false},
		{"/p/demo.kicad_pro", false},
		{"/p/demo.kicad_pcb.lck", true},
		{"/p/demo.kicad_pcb.lock", true},
		{"/p/demo.kicad_prl", true},
		{"/p/_autosave-demo.kicad_pcb", true},
		{"/p/~demo.kicad_sch", true},
	}
	for _, tc := range cases {
		if got := ignorePath(tc.path); got != tc.ignore {
			t.Errorf("ignorePath(%q) = %v, want %v", tc.path, got, tc.ignore)
		}
	}
}

func TestWatcherNilAndEmptyDirs(t *testing.T) {
	t.Parallel()

	// Empty entries are skipped rather than rejected; callers pass optional
	// directories (a backups dir that may not exist) without checking.
	w, err := New([]string{t.TempDir(), ""}, 0, func() {})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Close()
}
