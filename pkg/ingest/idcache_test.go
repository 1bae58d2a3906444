package ingest

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestIDCache_LoadMissing(t *testing.T) {
	c := IDCache{Path: filepath.Join(t.TempDir(), "ids.txt")}
	ids, ok, err := c.Load()
	if err != nil || ok || ids != nil {
		t.Errorf("Load() = %v, %v, %v; want nil, false, nil", ids, ok, err)
	}
}

func TestIDCache_SaveAndLoad(t *testing.T) {
	c := IDCache{Path: filepath.Join(t.TempDir(), "ids.txt")}
	want := []string{"30", "10", "20"}

	if err := c.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(c.Path + ".partial"); !os.IsNotExist(err) {
		t.Errorf("partial file should not remain, stat err = %v", err)
	}

	got, ok, err := c.Load()
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v", ok, err)
	}
	if !slices.Equal(got, want) {
		t.Errorf("Load() = %v, want %v in file order", got, want)
	}
}

func TestIDCache_SaveEmpty(t *testing.T) {
	c := IDCache{Path: filepath.Join(t.TempDir(), "ids.txt")}
	if err := c.Save(nil); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, ok, err := c.Load()
	if err != nil || !ok || len(got) != 0 {
		t.Errorf("Load() = %v, %v, %v; want empty hit", got, ok, err)
	}
}

func TestIDCache_StalePartialIsIgnored(t *testing.T) {
	c := IDCache{Path: filepath.Join(t.TempDir(), "ids.txt")}
	os.WriteFile(c.Path+".partial", []byte("1\n2\n"), 0o644)

	if _, ok, _ := c.Load(); ok {
		t.Error("a leftover partial file must not count as a cache")
	}
}
