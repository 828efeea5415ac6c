package keyfinder

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
)

// VersionOffsets locates the key pointer for one client version.
type VersionOffsets struct {
	Module string `json:"module"` // module whose base the offset is relative to
	Key    uint64 `json:"key"`    // offset of the pointer to the key bytes
}

// OffsetTable maps client version strings to memory offsets. Offsets
// change with every client release; the table can be replaced from a
// file without rebuilding.
type OffsetTable map[string]VersionOffsets

//go:embed offsets.json
var builtinOffsetsJSON []byte

func builtinOffsets() OffsetTable {
	var t OffsetTable
	// The embedded table is validated by tests; a decode failure here
	// would mean a broken build.
	if err := json.Unmarshal(builtinOffsetsJSON, &t); err != nil {
		panic(fmt.Sprintf("keyfinder: embedded offset table: %v", err))
	}
	return t
}

// LoadOffsetTable reads an offset table from a JSON file.
func LoadOffsetTable(path string) (OffsetTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keyfinder: read offset table: %w", err)
	}
	var t OffsetTable
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("keyfinder: parse offset table %s: %w", path, err)
	}
	return t, nil
}
