// Package account persists the installation record a decrypt run
// discovers, so later exports can reopen the same data without
// re-running key recovery.
package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/wxvault/wxvault/internal/schema"
)

const infoFileName = "info.json"

// Info describes one account's decrypted output: who it belongs to,
// where the media lives and how the media is obfuscated. It is written
// beside the decrypted stores as info.json.
type Info struct {
	WXID    string `json:"wxid"`
	Name    string `json:"name"`
	DataDir string `json:"data_dir"` // account data directory holding media
	Version string `json:"version"`  // store generation, "v3" or "v4"
	XORKey  int    `json:"xor_key"`  // .dat obfuscation key, -1 when unknown
}

// New returns an Info with the unknown-key marker set.
func New() *Info {
	return &Info{XORKey: -1}
}

// HasXORKey reports whether a usable de-obfuscation key was recorded.
func (i *Info) HasXORKey() bool {
	return i.XORKey >= 0 && i.XORKey <= 0xff
}

// StoreVersion maps the recorded generation string back to the schema
// version.
func (i *Info) StoreVersion() schema.Version {
	switch i.Version {
	case schema.V3.String():
		return schema.V3
	case schema.V4.String():
		return schema.V4
	default:
		return schema.VersionUnknown
	}
}

// Path returns the info.json location for a decrypted output directory.
func Path(dir string) string {
	return filepath.Join(dir, infoFileName)
}

// Save writes the record beside the decrypted stores.
func Save(dir string, info *Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("account: marshal info: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(Path(dir), data, 0o600); err != nil {
		return fmt.Errorf("account: write info: %w", err)
	}
	return nil
}

// Load reads the record from a decrypted output directory. Returns
// nil, nil if no record has been saved.
func Load(dir string) (*Info, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("account: read info: %w", err)
	}

	info := New()
	if err := json.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("account: parse info: %w", err)
	}
	return info, nil
}
