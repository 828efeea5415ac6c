// Package schema reads decrypted chat stores through a uniform row
// interface. Client releases renamed their tables between the v3 and
// v4 generations; the version is detected once from the catalog and
// mapped to fixed per-version queries, so the rest of the pipeline
// never branches on table names.
package schema

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Version identifies the table naming generation of a store.
type Version int

const (
	VersionUnknown Version = iota
	V3                     // CamelCase tables (Contact, Session, MSG)
	V4                     // snake_case tables (contact, SessionTable, Msg_<hash>)
)

func (v Version) String() string {
	switch v {
	case V3:
		return "v3"
	case V4:
		return "v4"
	default:
		return "unknown"
	}
}

// ErrUnknownSchema means the catalog matched no supported table layout.
var ErrUnknownSchema = errors.New("schema: unknown store layout")

// Reader provides read-only row access to one decrypted store file.
// A store may carry any subset of the logical tables (contacts,
// sessions, messages, media index); iterating a table the file does
// not contain yields an error.
type Reader struct {
	db      *sql.DB
	path    string
	version Version
}

// Open opens the store read-only and detects its schema version.
func Open(path string) (*Reader, error) {
	dsn := "file:" + path + "?mode=ro&_pragma=query_only(1)&_pragma=busy_timeout(10000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("schema: open store: %w", err)
	}

	version, err := DetectVersion(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Reader{db: db, path: path, version: version}, nil
}

// Version returns the detected schema version.
func (r *Reader) Version() Version { return r.version }

// Path returns the store file path the reader was opened on.
func (r *Reader) Path() string { return r.path }

// Close closes the underlying database.
func (r *Reader) Close() error {
	return r.db.Close()
}

// DetectVersion classifies the store by its catalog contents. Marker
// tables are distinct between generations (v3 used CamelCase names,
// v4 renamed everything to snake_case), so presence of any marker
// decides the version.
func DetectVersion(db *sql.DB) (Version, error) {
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return VersionUnknown, fmt.Errorf("schema: read catalog: %w", err)
	}
	defer rows.Close()

	names := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return VersionUnknown, fmt.Errorf("schema: scan catalog: %w", err)
		}
		names[name] = true
	}
	if err := rows.Err(); err != nil {
		return VersionUnknown, fmt.Errorf("schema: read catalog: %w", err)
	}

	for _, marker := range v3Markers {
		if names[marker] {
			return V3, nil
		}
	}
	for _, marker := range v4Markers {
		if names[marker] {
			return V4, nil
		}
	}
	return VersionUnknown, ErrUnknownSchema
}

// missingTable reports whether err is SQLite's complaint about a table
// the store does not carry.
func missingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
