package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/maruel/backdrop/internal/kv"
)

func TestLoadLocalStorage(t *testing.T) {
	dir := t.TempDir()
	dump := filepath.Join(dir, "ls.json")
	if err := os.WriteFile(dump, []byte(`{"di_bgImage":"data:image/png;base64,AAAA","count":3,"theme":"dark"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	meta, err := kv.NewFileStore(filepath.Join(dir, "kv.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = meta.Close() }()

	n, err := loadLocalStorage(meta, dump)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("loaded %d keys, want 2", n)
	}
	if v, ok, err := meta.Get("di_bgImage"); err != nil || !ok || v != "data:image/png;base64,AAAA" {
		t.Errorf("Get() = %q %v %v", v, ok, err)
	}
	if _, ok, _ := meta.Get("count"); ok {
		t.Error("non-string value loaded")
	}

	if err := os.WriteFile(dump, []byte(`[1]`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadLocalStorage(meta, dump); err == nil {
		t.Error("expected parse error")
	}
}
