package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

var _ KeySet = (*FileKeySet)(nil)

func TestFileKeySet_Miss(t *testing.T) {
	keys := NewFileKeySet(t.TempDir())

	_, err := keys.Keys(context.Background(), "scope")
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss, got %v", err)
	}
}

func TestFileKeySet_ReplaceAndKeys(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	keys := NewFileKeySet(dir)
	ctx := context.Background()
	scope := ScopeKey{Store: "/data/out", Prefix: "docs"}.String()

	if err := keys.Replace(ctx, scope, []string{"docs/b.json", "docs/a.json"}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	got, err := keys.Keys(ctx, scope)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if want := []string{"docs/a.json", "docs/b.json"}; !slices.Equal(got, want) {
		t.Errorf("Keys = %v, want %v", got, want)
	}

	if _, err := os.Stat(keys.Path(scope) + ".partial"); !os.IsNotExist(err) {
		t.Errorf("partial file should be renamed away, stat err = %v", err)
	}
	if base := filepath.Base(keys.Path(scope)); strings.ContainsAny(base, ":/") {
		t.Errorf("Path base %q should not contain separators", base)
	}
}

func TestFileKeySet_AddOnlyExtendsExistingListing(t *testing.T) {
	keys := NewFileKeySet(t.TempDir())
	ctx := context.Background()

	if err := keys.Add(ctx, "scope", "x.json"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := keys.Keys(ctx, "scope"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss after Add alone, got %v", err)
	}

	if err := keys.Replace(ctx, "scope", []string{"a.json"}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	for _, k := range []string{"b.json", "a.json"} {
		if err := keys.Add(ctx, "scope", k); err != nil {
			t.Fatalf("Add(%s) failed: %v", k, err)
		}
	}

	got, _ := keys.Keys(ctx, "scope")
	if want := []string{"a.json", "b.json"}; !slices.Equal(got, want) {
		t.Errorf("Keys = %v, want %v", got, want)
	}
}

func TestFileKeySet_IgnoresBlankLines(t *testing.T) {
	keys := NewFileKeySet(t.TempDir())
	if err := os.WriteFile(keys.Path("scope"), []byte("a.json\n\n  \nb.json\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := keys.Keys(context.Background(), "scope")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if want := []string{"a.json", "b.json"}; !slices.Equal(got, want) {
		t.Errorf("Keys = %v, want %v", got, want)
	}
}

func TestFileKeySet_Invalidate(t *testing.T) {
	keys := NewFileKeySet(t.TempDir())
	ctx := context.Background()

	if err := keys.Invalidate(ctx, "scope"); err != nil {
		t.Errorf("Invalidate of missing listing = %v, want nil", err)
	}
	if err := keys.Replace(ctx, "scope", []string{"a.json"}); err != nil {
		t.Fatal(err)
	}
	if err := keys.Invalidate(ctx, "scope"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, err := keys.Keys(ctx, "scope"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss after Invalidate, got %v", err)
	}
}
