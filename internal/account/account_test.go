package account

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wxvault/wxvault/internal/schema"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	saved := &Info{
		WXID:    "wxid_roundtrip",
		Name:    "Round Trip",
		DataDir: `C:\Users\rt\Documents\WeChat Files\wxid_roundtrip`,
		Version: "v3",
		XORKey:  0x5a,
	}
	if err := Save(dir, saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load returned nil for a saved record")
	}
	if *loaded != *saved {
		t.Errorf("loaded = %+v, want %+v", loaded, saved)
	}
	if !loaded.HasXORKey() {
		t.Error("HasXORKey = false for a recorded key")
	}
	if got := loaded.StoreVersion(); got != schema.V3 {
		t.Errorf("StoreVersion = %v, want %v", got, schema.V3)
	}
}

func TestLoadAbsent(t *testing.T) {
	info, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if info != nil {
		t.Errorf("info = %+v, want nil for a directory without a record", info)
	}
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected an error for a corrupt record")
	}
}

func TestLoadDefaultsXORKey(t *testing.T) {
	dir := t.TempDir()
	payload := `{"wxid": "wxid_old", "version": "v4"}` + "\n"
	if err := os.WriteFile(Path(dir), []byte(payload), 0o600); err != nil {
		t.Fatal(err)
	}

	info, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if info.HasXORKey() {
		t.Error("HasXORKey = true for a record without one")
	}
	if got := info.StoreVersion(); got != schema.V4 {
		t.Errorf("StoreVersion = %v, want %v", got, schema.V4)
	}
}

func TestStoreVersionUnknown(t *testing.T) {
	info := &Info{Version: "v9"}
	if got := info.StoreVersion(); got != schema.VersionUnknown {
		t.Errorf("StoreVersion = %v, want unknown", got)
	}
}

func TestPath(t *testing.T) {
	if got := Path("out"); got != filepath.Join("out", "info.json") {
		t.Errorf("Path = %q", got)
	}
}
