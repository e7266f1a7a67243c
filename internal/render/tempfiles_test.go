package render

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTempSetLifecycle(t *testing.T) {
	ts, err := NewTempSet(t.TempDir(), "job-1")
	if err != nil {
		t.Fatalf("NewTempSet: %v", err)
	}

	a, err := ts.Write("audio_0.mp3", []byte("a"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	b, err := ts.Write("image_0.jpg", []byte("b"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	clip := ts.Path("scene_0.mp4")

	if filepath.Dir(a) != ts.Dir() || filepath.Dir(clip) != ts.Dir() {
		t.Fatalf("files must live in the set dir")
	}
	if ts.Live() != 3 {
		t.Errorf("expected 3 live files, got %d", ts.Live())
	}

	ts.Release(a)
	if _, err := os.Stat(a); !os.IsNotExist(err) {
		t.Errorf("released file still exists")
	}
	if ts.Live() != 2 {
		t.Errorf("expected 2 live files, got %d", ts.Live())
	}

	if err := ts.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(b); !os.IsNotExist(err) {
		t.Errorf("file survived cleanup")
	}
	if _, err := os.Stat(ts.Dir()); !os.IsNotExist(err) {
		t.Errorf("dir survived cleanup")
	}
	if err := ts.Cleanup(); err != nil {
		t.Errorf("second Cleanup should be a no-op, got %v", err)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"scene_0.mp4":      "scene_0.mp4",
		"../../etc/passwd": "passwd",
		"my image (1).png": "my_image__1_.png",
		"":                 "file",
		"..":               "file",
	}
	for in, want := range tests {
		if got := sanitizeName(in); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
