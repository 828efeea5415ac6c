// Package keyfinder recovers store encryption keys from running client
// processes.
//
// Key material lives at version-specific locations in client memory.
// For v3 clients a per-version offset table points straight at the key
// pointer; v4 clients are scanned around the account identifier
// instead. Every candidate is verified against the target store before
// it is returned, so a recovered key is never a guess. The package only
// reads process state, it never writes to it.
package keyfinder

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/wxvault/wxvault/internal/pagecrypt"
)

// ErrKeyNotFound means no verifiable key could be located: the client is
// not running, its version has no known offsets, or nothing in memory
// unlocked the store.
var ErrKeyNotFound = errors.New("keyfinder: key not found")

// clientProcessNames are the executable names of supported clients.
var clientProcessNames = map[string]bool{
	"wechat.exe": true,
	"wechat":     true,
	"weixin.exe": true,
	"weixin":     true,
}

// Candidate is a running client process that may hold a store key.
type Candidate struct {
	PID     int32
	Exe     string
	Version string // client version, parsed from the executable path
	Wxid    string // account id, parsed from open data files
	DataDir string // account data directory, parsed from open data files
}

// Finder locates store keys in running client processes.
type Finder struct {
	logger *log.Logger
	table  OffsetTable
	open   func(pid int32) (MemoryReader, error)
}

// Option configures a Finder.
type Option func(*Finder)

// WithLogger sets the logger for verbose output. If not set, logging is
// disabled.
func WithLogger(l *log.Logger) Option {
	return func(f *Finder) { f.logger = l }
}

// WithOffsetTable replaces the built-in version offset table.
func WithOffsetTable(t OffsetTable) Option {
	return func(f *Finder) { f.table = t }
}

// WithMemoryOpener replaces how process memory is opened.
func WithMemoryOpener(open func(pid int32) (MemoryReader, error)) Option {
	return func(f *Finder) { f.open = open }
}

// NewFinder creates a Finder with the built-in offset table.
func NewFinder(opts ...Option) *Finder {
	f := &Finder{
		table: builtinOffsets(),
		open:  OpenProcessMemory,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

// FindProcesses enumerates running client processes.
func FindProcesses(ctx context.Context) ([]Candidate, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("keyfinder: list processes: %w", err)
	}

	var out []Candidate
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || !clientProcessNames[strings.ToLower(name)] {
			continue
		}
		cand := Candidate{PID: p.Pid}
		if exe, err := p.ExeWithContext(ctx); err == nil {
			cand.Exe = exe
			cand.Version = versionFromPath(exe)
		}
		if files, err := p.OpenFilesWithContext(ctx); err == nil {
			for _, of := range files {
				if wxid, dir, ok := accountFromPath(of.Path); ok {
					cand.Wxid = wxid
					cand.DataDir = dir
					break
				}
			}
		}
		out = append(out, cand)
	}
	return out, nil
}

// Recover extracts the store key from the candidate process and
// verifies it against the store at storePath. It performs a single
// deterministic pass over the process; an absent or unverifiable key is
// reported as ErrKeyNotFound rather than returned unverified.
func (f *Finder) Recover(ctx context.Context, cand Candidate, storePath string) (pagecrypt.Key, error) {
	mem, err := f.open(cand.PID)
	if err != nil {
		return nil, fmt.Errorf("keyfinder: open process %d memory: %w", cand.PID, err)
	}
	defer mem.Close()

	switch {
	case strings.HasPrefix(cand.Version, "3."):
		return f.recoverV3(ctx, mem, cand, storePath)
	case strings.HasPrefix(cand.Version, "4."):
		return f.recoverV4(ctx, mem, cand, storePath)
	default:
		return nil, fmt.Errorf("%w: unrecognized client version %q", ErrKeyNotFound, cand.Version)
	}
}

// recoverV3 follows the per-version offset to a pointer to the key.
func (f *Finder) recoverV3(ctx context.Context, mem MemoryReader, cand Candidate, storePath string) (pagecrypt.Key, error) {
	off, ok := f.table[cand.Version]
	if !ok {
		return nil, fmt.Errorf("%w: no offsets for client version %q", ErrKeyNotFound, cand.Version)
	}

	regions, err := mem.Regions()
	if err != nil {
		return nil, fmt.Errorf("keyfinder: read memory map: %w", err)
	}
	base, ok := moduleBase(regions, off.Module)
	if !ok {
		return nil, fmt.Errorf("%w: module %q not mapped in process %d", ErrKeyNotFound, off.Module, cand.PID)
	}
	logf(f.logger, "v3: module %s base=%#x key offset=%#x", off.Module, base, off.Key)

	ptrBuf := make([]byte, 8)
	if err := mem.ReadAt(base+off.Key, ptrBuf); err != nil {
		return nil, fmt.Errorf("%w: read key pointer: %v", ErrKeyNotFound, err)
	}
	addr := binary.LittleEndian.Uint64(ptrBuf)
	if !addressMapped(regions, addr, pagecrypt.KeySize) {
		return nil, fmt.Errorf("%w: key pointer %#x is outside mapped memory", ErrKeyNotFound, addr)
	}

	key := make(pagecrypt.Key, pagecrypt.KeySize)
	if err := mem.ReadAt(addr, key); err != nil {
		return nil, fmt.Errorf("%w: read key bytes: %v", ErrKeyNotFound, err)
	}
	if err := f.verify(ctx, key, storePath); err != nil {
		return nil, err
	}
	logf(f.logger, "v3: recovered key %s", key)
	return key, nil
}

// v4 scan bounds. The key pointer sits within a few hundred bytes of
// the account id in the client's session struct.
const (
	v4ScanWindow    = 1024
	v4MaxCandidates = 256
)

// recoverV4 scans writable memory for the account id and tries the
// pointer-sized slots that follow it as pointers to the key.
func (f *Finder) recoverV4(ctx context.Context, mem MemoryReader, cand Candidate, storePath string) (pagecrypt.Key, error) {
	if cand.Wxid == "" {
		return nil, fmt.Errorf("%w: no account id to anchor the scan", ErrKeyNotFound)
	}
	regions, err := mem.Regions()
	if err != nil {
		return nil, fmt.Errorf("keyfinder: read memory map: %w", err)
	}

	anchor := []byte(cand.Wxid)
	tried := 0
	key := make(pagecrypt.Key, pagecrypt.KeySize)
	for _, reg := range regions {
		if !reg.Writable {
			continue
		}
		data := make([]byte, reg.Size)
		if err := mem.ReadAt(reg.Start, data); err != nil {
			continue
		}
		for idx := bytes.Index(data, anchor); idx >= 0; {
			hit := reg.Start + uint64(idx)
			logf(f.logger, "v4: anchor %q at %#x", cand.Wxid, hit)
			end := uint64(idx) + uint64(len(anchor)) + v4ScanWindow
			if end > reg.Size {
				end = reg.Size
			}
			// Pointers are 8-aligned; regions are page-aligned, so
			// region-relative alignment matches absolute alignment.
			pos := uint64(idx) + uint64(len(anchor))
			if rem := pos % 8; rem != 0 {
				pos += 8 - rem
			}
			for ; pos+8 <= end; pos += 8 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				addr := binary.LittleEndian.Uint64(data[pos : pos+8])
				if !addressMapped(regions, addr, pagecrypt.KeySize) {
					continue
				}
				if err := mem.ReadAt(addr, key); err != nil {
					continue
				}
				if !plausibleKey(key) {
					continue
				}
				tried++
				if tried > v4MaxCandidates {
					return nil, fmt.Errorf("%w: candidate limit reached", ErrKeyNotFound)
				}
				if err := f.verify(ctx, key, storePath); err == nil {
					logf(f.logger, "v4: recovered key %s after %d candidates", key, tried)
					out := make(pagecrypt.Key, pagecrypt.KeySize)
					copy(out, key)
					return out, nil
				}
			}
			next := bytes.Index(data[idx+len(anchor):], anchor)
			if next < 0 {
				break
			}
			idx += len(anchor) + next
		}
	}
	return nil, ErrKeyNotFound
}

// verify authenticates key against the first page of the target store.
func (f *Finder) verify(ctx context.Context, key pagecrypt.Key, storePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := pagecrypt.DetectStore(storePath, key); err != nil {
		if errors.Is(err, pagecrypt.ErrBadKey) {
			return fmt.Errorf("%w: candidate failed store verification", ErrKeyNotFound)
		}
		return err
	}
	return nil
}

// plausibleKey filters out memory that cannot be key material.
func plausibleKey(k []byte) bool {
	var seen [256]bool
	distinct := 0
	for _, b := range k {
		if !seen[b] {
			seen[b] = true
			distinct++
		}
	}
	return distinct >= 8
}

// moduleBase returns the lowest mapped address of the named module.
func moduleBase(regions []Region, module string) (uint64, bool) {
	for _, r := range regions {
		if r.Path != "" && strings.EqualFold(filepath.Base(r.Path), module) {
			return r.Start, true
		}
	}
	return 0, false
}

// addressMapped reports whether [addr, addr+size) lies inside a region.
func addressMapped(regions []Region, addr uint64, size int) bool {
	for _, r := range regions {
		if addr >= r.Start && addr+uint64(size) <= r.Start+r.Size {
			return true
		}
	}
	return false
}

// versionFromPath extracts a dotted version from an executable path,
// e.g. ".../WeChat/3.9.8.25/WeChat.exe".
func versionFromPath(path string) string {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		seg = strings.Trim(seg, "[]")
		if strings.Count(seg, ".") < 2 {
			continue
		}
		digits := false
		ok := true
		for _, r := range seg {
			switch {
			case r >= '0' && r <= '9':
				digits = true
			case r != '.':
				ok = false
			}
		}
		if ok && digits {
			return seg
		}
	}
	return ""
}

// accountFromPath extracts the account id and data directory from a
// path inside the account tree, e.g.
// "C:/Users/x/Documents/WeChat Files/wxid_abc123/Msg/MSG0.db".
func accountFromPath(path string) (wxid, dir string, ok bool) {
	norm := filepath.ToSlash(path)
	segs := strings.Split(norm, "/")
	for i, seg := range segs {
		if strings.HasPrefix(seg, "wxid_") && len(seg) > len("wxid_") {
			return seg, strings.Join(segs[:i+1], "/"), true
		}
	}
	return "", "", false
}
