package keyfinder

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Region is one readable span of a process's address space.
type Region struct {
	Start    uint64
	Size     uint64
	Writable bool
	Path     string // backing file, empty for anonymous mappings
}

// MemoryReader reads another process's memory. Implementations must
// never write to the target process.
type MemoryReader interface {
	Regions() ([]Region, error)
	ReadAt(addr uint64, buf []byte) error
	Close() error
}

// OpenProcessMemory opens the memory of the given process for reading.
// Only Linux targets are supported; the rest of the pipeline is
// platform-independent and accepts user-supplied keys everywhere.
func OpenProcessMemory(pid int32) (MemoryReader, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("keyfinder: process memory access not supported on %s", runtime.GOOS)
	}
	mem, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
	if err != nil {
		return nil, fmt.Errorf("keyfinder: open process memory: %w", err)
	}
	return &procReader{pid: pid, mem: mem}, nil
}

// procReader reads /proc/<pid>/mem with bounds from /proc/<pid>/maps.
type procReader struct {
	pid int32
	mem *os.File
}

var _ MemoryReader = (*procReader)(nil)

func (r *procReader) Regions() ([]Region, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", r.pid))
	if err != nil {
		return nil, fmt.Errorf("keyfinder: open memory map: %w", err)
	}
	defer f.Close()

	var regions []Region
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		reg, ok := parseMapsLine(sc.Text())
		if ok {
			regions = append(regions, reg)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("keyfinder: read memory map: %w", err)
	}
	return regions, nil
}

// parseMapsLine parses one /proc/<pid>/maps line:
// "start-end perms offset dev inode [path]". Unreadable regions are
// dropped.
func parseMapsLine(line string) (Region, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Region{}, false
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return Region{}, false
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return Region{}, false
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil || end <= start {
		return Region{}, false
	}
	perms := fields[1]
	if !strings.HasPrefix(perms, "r") {
		return Region{}, false
	}
	reg := Region{
		Start:    start,
		Size:     end - start,
		Writable: len(perms) > 1 && perms[1] == 'w',
	}
	if len(fields) >= 6 {
		reg.Path = fields[5]
	}
	return reg, true
}

func (r *procReader) ReadAt(addr uint64, buf []byte) error {
	if _, err := r.mem.ReadAt(buf, int64(addr)); err != nil {
		return fmt.Errorf("keyfinder: read %d bytes at %#x: %w", len(buf), addr, err)
	}
	return nil
}

func (r *procReader) Close() error {
	return r.mem.Close()
}
