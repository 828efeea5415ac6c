package schema

import (
	"crypto/md5"
	"fmt"
)

// Marker tables used for version detection. One hit decides the
// version; the lists never overlap because v4 renamed every table.
var (
	v3Markers = []string{"MSG", "Contact", "Session", "ChatRoom", "HardLinkImageAttribute2"}
	v4Markers = []string{"Name2Id", "contact", "SessionTable", "chat_room", "image_hardlink_info_v3"}
)

// Fixed column mappings. Every physical difference between the two
// generations lives in these query strings; row structs and iterator
// code are shared.
const (
	contactsV3 = `SELECT UserName, IFNULL(Alias, ''), IFNULL(Remark, ''),
		IFNULL(NickName, ''), IFNULL(Type, 0) FROM Contact ORDER BY UserName`
	contactsV4 = `SELECT username, IFNULL(alias, ''), IFNULL(remark, ''),
		IFNULL(nick_name, ''), IFNULL(local_type, 0) FROM contact ORDER BY username`

	contactByIDV3 = `SELECT UserName, IFNULL(Alias, ''), IFNULL(Remark, ''),
		IFNULL(NickName, ''), IFNULL(Type, 0) FROM Contact WHERE UserName = ?`
	contactByIDV4 = `SELECT username, IFNULL(alias, ''), IFNULL(remark, ''),
		IFNULL(nick_name, ''), IFNULL(local_type, 0) FROM contact WHERE username = ?`

	sessionsV3 = `SELECT strUsrName, IFNULL(strNickName, ''), IFNULL(strContent, ''),
		IFNULL(nUnReadCount, 0), IFNULL(nTime, 0)
		FROM Session ORDER BY nTime DESC, strUsrName`
	sessionsV4 = `SELECT username, IFNULL(last_sender_display_name, ''), IFNULL(summary, ''),
		IFNULL(unread_count, 0), IFNULL(last_timestamp, 0)
		FROM SessionTable ORDER BY last_timestamp DESC, username`

	// Messages are ordered by (timestamp, sequence, row id) so ties on
	// the one-second timestamps cannot reorder between runs. Both
	// queries yield the same twelve columns; v3 has no sender column
	// (group senders hide in BytesExtra) and v4 has no talker column
	// (the table name implies the session).
	messagesV3 = `SELECT localId, IFNULL(MsgSvrID, 0), IFNULL(Sequence, 0), Type,
		IFNULL(SubType, 0), IFNULL(IsSender, 0), CreateTime, StrTalker, '',
		StrContent, CompressContent, BytesExtra
		FROM MSG WHERE StrTalker = ?
		ORDER BY CreateTime, Sequence, localId`
	messagesV4 = `SELECT m.local_id, IFNULL(m.server_id, 0), IFNULL(m.sort_seq, 0),
		m.local_type, 0, 0, m.create_time, '', IFNULL(n.user_name, ''),
		m.message_content, m.compress_content, m.packed_info_data
		FROM %s m LEFT JOIN Name2Id n ON n.rowid = m.real_sender_id
		ORDER BY m.create_time, m.sort_seq, m.local_id`

	messageByServerIDV3 = `SELECT localId, IFNULL(MsgSvrID, 0), IFNULL(Sequence, 0), Type,
		IFNULL(SubType, 0), IFNULL(IsSender, 0), CreateTime, StrTalker, '',
		StrContent, CompressContent, BytesExtra
		FROM MSG WHERE StrTalker = ? AND MsgSvrID = ?`
	messageByServerIDV4 = `SELECT m.local_id, IFNULL(m.server_id, 0), IFNULL(m.sort_seq, 0),
		m.local_type, 0, 0, m.create_time, '', IFNULL(n.user_name, ''),
		m.message_content, m.compress_content, m.packed_info_data
		FROM %s m LEFT JOIN Name2Id n ON n.rowid = m.real_sender_id
		WHERE m.server_id = ?`

	mediaV3 = `SELECT a.MD5, a.FileName, IFNULL(d1.Dir, ''), IFNULL(d2.Dir, ''),
		IFNULL(a.ModifyTime, 0), 'image'
		FROM HardLinkImageAttribute2 a
		LEFT JOIN HardLinkImageID d1 ON d1.DirID = a.DirID1
		LEFT JOIN HardLinkImageID d2 ON d2.DirID = a.DirID2
		UNION ALL
		SELECT a.MD5, a.FileName, IFNULL(d1.Dir, ''), IFNULL(d2.Dir, ''),
		IFNULL(a.ModifyTime, 0), 'video'
		FROM HardLinkVideoAttribute2 a
		LEFT JOIN HardLinkVideoID d1 ON d1.DirID = a.DirID1
		LEFT JOIN HardLinkVideoID d2 ON d2.DirID = a.DirID2
		ORDER BY 2, 6`
	mediaV4 = `SELECT i.md5, i.file_name, IFNULL(d1.username, ''), IFNULL(d2.username, ''),
		IFNULL(i.modify_time, 0), 'image'
		FROM image_hardlink_info_v3 i
		LEFT JOIN dir2id d1 ON d1.rowid = i.dir1
		LEFT JOIN dir2id d2 ON d2.rowid = i.dir2
		UNION ALL
		SELECT v.md5, v.file_name, IFNULL(d1.username, ''), IFNULL(d2.username, ''),
		IFNULL(v.modify_time, 0), 'video'
		FROM video_hardlink_info_v3 v
		LEFT JOIN dir2id d1 ON d1.rowid = v.dir1
		LEFT JOIN dir2id d2 ON d2.rowid = v.dir2
		ORDER BY 2, 6`

	roomDataV3 = `SELECT IFNULL(RoomData, x''), IFNULL(UserNameList, '')
		FROM ChatRoom WHERE ChatRoomName = ?`
	roomDataV4 = `SELECT IFNULL(ext_buffer, x''), '' FROM chat_room WHERE username = ?`
)

// messagesQuery returns the per-session message query and its bind
// arguments. The v4 generation shards messages into one table per
// conversation, named by the MD5 of the session id; v3 keeps a single
// MSG table filtered by talker.
func (r *Reader) messagesQuery(sessionID string) (string, []any) {
	if r.version == V4 {
		return fmt.Sprintf(messagesV4, v4MessageTable(sessionID)), nil
	}
	return messagesV3, []any{sessionID}
}

func (r *Reader) messageByServerIDQuery(sessionID string, serverID int64) (string, []any) {
	if r.version == V4 {
		return fmt.Sprintf(messageByServerIDV4, v4MessageTable(sessionID)), []any{serverID}
	}
	return messageByServerIDV3, []any{sessionID, serverID}
}

// v4MessageTable names the per-conversation message table. The hex
// digest keeps the identifier safe to splice into SQL.
func v4MessageTable(sessionID string) string {
	return fmt.Sprintf(`"Msg_%x"`, md5.Sum([]byte(sessionID)))
}

func (r *Reader) pick(v3, v4 string) string {
	if r.version == V4 {
		return v4
	}
	return v3
}
