package persona

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadReplacesName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.txt")
	if err := os.WriteFile(path, []byte("You are $name. $name likes tea.\n"), 0o644); err != nil {
		t.Fatalf("write prompt: %v", err)
	}

	p, err := Load(path, "Yue")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.SystemPrompt != "You are Yue. Yue likes tea." {
		t.Fatalf("unexpected prompt %q", p.SystemPrompt)
	}
	if p.Source != path {
		t.Fatalf("expected source %s, got %s", path, p.Source)
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "missing.txt"), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.SystemPrompt != DefaultSystemPrompt || p.Name != "AI" {
		t.Fatalf("expected default persona, got %+v", p)
	}
}
