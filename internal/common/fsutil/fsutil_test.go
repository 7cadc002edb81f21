package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}

	if got, err := ExpandHome(""); err != nil || got != "" {
		t.Fatalf("empty path: got %q err=%v", got, err)
	}
	if got, err := ExpandHome("/var/models"); err != nil || got != "/var/models" {
		t.Fatalf("absolute path must pass through: got %q err=%v", got, err)
	}
	got, err := ExpandHome("~")
	if err != nil {
		t.Fatalf("expand ~: %v", err)
	}
	if got != home {
		t.Fatalf("expected %q, got %q", home, got)
	}
	got, err = ExpandHome("~/models/llm")
	if err != nil {
		t.Fatalf("expand ~/models/llm: %v", err)
	}
	if want := filepath.Join(home, "models", "llm"); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestPathExists(t *testing.T) {
	p := filepath.Join(t.TempDir(), "m.gguf")
	if PathExists(p) {
		t.Fatalf("missing file reported as present")
	}
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !PathExists(p) {
		t.Fatalf("existing file reported as absent")
	}
}
