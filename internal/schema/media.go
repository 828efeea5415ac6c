package schema

import (
	"fmt"
	"iter"
)

// MediaRow maps a media checksum to its on-disk location. Dir1 and
// Dir2 are the path components of the hard-link layout; the mediafile
// package assembles them into a real path.
type MediaRow struct {
	MD5      string // lowercase hex checksum, the lookup key
	FileName string
	Dir1     string
	Dir2     string
	ModTime  int64  // unix seconds
	Kind     string // "image" or "video"
}

// MediaIndex iterates the hard-link index ordered by file name. Lazy
// and restartable like Contacts.
func (r *Reader) MediaIndex() iter.Seq2[MediaRow, error] {
	query := r.pick(mediaV3, mediaV4)
	return func(yield func(MediaRow, error) bool) {
		rows, err := r.db.Query(query)
		if err != nil {
			yield(MediaRow{}, fmt.Errorf("schema: media index: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var m MediaRow
			var md5 []byte // BLOB in v3 stores, TEXT in v4
			if err := rows.Scan(&md5, &m.FileName, &m.Dir1, &m.Dir2, &m.ModTime, &m.Kind); err != nil {
				yield(MediaRow{}, fmt.Errorf("schema: scan media row: %w", err))
				return
			}
			m.MD5 = string(md5)
			if !yield(m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(MediaRow{}, fmt.Errorf("schema: media index: %w", err))
		}
	}
}
