package schema

import (
	"fmt"
	"iter"
)

// SessionRow is one conversation in the session list, most recent
// first.
type SessionRow struct {
	ID      string // peer wxid or chatroom id
	Title   string // display hint carried by the store, may be empty
	Summary string // last message preview
	Unread  int64
	Time    int64 // unix seconds of the last message
}

// Sessions iterates the conversation list ordered by last activity,
// newest first. Lazy and restartable like Contacts.
func (r *Reader) Sessions() iter.Seq2[SessionRow, error] {
	query := r.pick(sessionsV3, sessionsV4)
	return func(yield func(SessionRow, error) bool) {
		rows, err := r.db.Query(query)
		if err != nil {
			yield(SessionRow{}, fmt.Errorf("schema: sessions: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var s SessionRow
			if err := rows.Scan(&s.ID, &s.Title, &s.Summary, &s.Unread, &s.Time); err != nil {
				yield(SessionRow{}, fmt.Errorf("schema: scan session: %w", err))
				return
			}
			if !yield(s, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(SessionRow{}, fmt.Errorf("schema: sessions: %w", err))
		}
	}
}
