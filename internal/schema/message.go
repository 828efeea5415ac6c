package schema

import (
	"database/sql"
	"fmt"
	"iter"
)

// MessageRow is one raw message record, unified across store
// versions. Fields a version does not carry are left at their zero
// value: v3 has no Sender column (group senders are encoded in
// Extra), v4 has no SubType or IsSender.
type MessageRow struct {
	LocalID    int64
	ServerID   int64 // server-assigned id, the stable cross-store key
	Sequence   int64
	Type       int64
	SubType    int64
	IsSender   int64  // v3: 1 when sent by the account holder
	Time       int64  // unix seconds
	SessionID  string
	Sender     string // v4: resolved sender id
	Content    sql.NullString
	Compressed []byte // block-compressed payload, v3 CompressContent / v4 compress_content
	Extra      []byte // v3 BytesExtra
	PackedInfo []byte // v4 packed_info_data
}

// Key identifies the message for cross-references. Quotes refer to
// messages by server id; local id is the fallback for records that
// never reached the server.
func (m MessageRow) Key() int64 {
	if m.ServerID != 0 {
		return m.ServerID
	}
	return -m.LocalID
}

// Messages iterates one session's messages in (time, sequence, row
// id) order. A v4 store without a table for this session yields
// nothing: conversations only get a message table once they have
// messages.
func (r *Reader) Messages(sessionID string) iter.Seq2[MessageRow, error] {
	query, args := r.messagesQuery(sessionID)
	return func(yield func(MessageRow, error) bool) {
		rows, err := r.db.Query(query, args...)
		if err != nil {
			if r.version == V4 && missingTable(err) {
				return
			}
			yield(MessageRow{}, fmt.Errorf("schema: messages for %q: %w", sessionID, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMessage(rows, r.version, sessionID)
			if err != nil {
				yield(MessageRow{}, err)
				return
			}
			if !yield(m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(MessageRow{}, fmt.Errorf("schema: messages for %q: %w", sessionID, err))
		}
	}
}

// MessageByServerID returns the message with the given server id in
// the session, or nil if the store has no such record.
func (r *Reader) MessageByServerID(sessionID string, serverID int64) (*MessageRow, error) {
	query, args := r.messageByServerIDQuery(sessionID, serverID)
	rows, err := r.db.Query(query, args...)
	if err != nil {
		if r.version == V4 && missingTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("schema: message %d in %q: %w", serverID, sessionID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	m, err := scanMessage(rows, r.version, sessionID)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMessage(rows *sql.Rows, version Version, sessionID string) (MessageRow, error) {
	var m MessageRow
	var aux []byte
	err := rows.Scan(&m.LocalID, &m.ServerID, &m.Sequence, &m.Type, &m.SubType,
		&m.IsSender, &m.Time, &m.SessionID, &m.Sender, &m.Content, &m.Compressed, &aux)
	if err != nil {
		return MessageRow{}, fmt.Errorf("schema: scan message: %w", err)
	}
	if version == V4 {
		m.SessionID = sessionID
		m.PackedInfo = aux
	} else {
		m.Extra = aux
	}
	return m, nil
}
