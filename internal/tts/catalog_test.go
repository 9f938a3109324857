package tts

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCatalog(t *testing.T) {
	cat, err := LoadCatalog("", "")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(cat.Voices()) != 7 {
		t.Fatalf("expected 7 voices, got %d", len(cat.Voices()))
	}
	if cat.Default() != "en-US-AriaNeural" {
		t.Fatalf("unexpected default %q", cat.Default())
	}
	v, ok := cat.Lookup("")
	if !ok || v.ID != "en-US-AriaNeural" {
		t.Fatalf("empty lookup should resolve to default, got %+v %v", v, ok)
	}
	if _, ok := cat.Lookup("xx-XX-NobodyNeural"); ok {
		t.Fatal("unknown voice should not resolve")
	}
}

func TestLoadCatalogFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voices.yaml")
	data := []byte(`voices:
  - id: fr-FR-DeniseNeural
    label: French - Denise
    locale: fr-FR
  - id: de-DE-KatjaNeural
    locale: de-DE
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	cat, err := LoadCatalog(path, "de-DE-KatjaNeural")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if cat.Default() != "de-DE-KatjaNeural" {
		t.Fatalf("unexpected default %q", cat.Default())
	}
	v, ok := cat.Lookup("de-DE-KatjaNeural")
	if !ok || v.Label != "de-DE-KatjaNeural" {
		t.Fatalf("label should fall back to id, got %+v", v)
	}
}

func TestCatalogRejectsUnknownDefault(t *testing.T) {
	if _, err := NewCatalog(DefaultVoices, "en-ZZ-Nobody"); err == nil {
		t.Fatal("expected error for default voice outside the catalog")
	}
	if _, err := NewCatalog(nil, ""); err == nil {
		t.Fatal("expected error for empty catalog")
	}
}
