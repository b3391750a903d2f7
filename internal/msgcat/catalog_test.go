package msgcat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEmbeddedTexts(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.Text("internal"); got == "" {
		t.Fatalf("missing internal text")
	}
	if got := c.Text("no_such_code"); got != "" {
		t.Fatalf("unknown code should be empty, got %q", got)
	}
	var nilCat *Catalog
	if nilCat.Text("internal") != "" {
		t.Fatalf("nil catalog should be empty")
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("errors:\n  internal: \"custom {{.}}\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := c.Render("errors.internal", "x")
	if err != nil || got != "custom x" {
		t.Fatalf("Render = %q %v", got, err)
	}
	if c.Text("room_not_found") == "" {
		t.Fatalf("embedded keys must survive overrides")
	}
}

func TestOverrideDuplicateKey(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.yaml", "b.yml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("errors:\n  internal: x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := New(dir); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}
