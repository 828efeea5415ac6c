package schema

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// RoomMember is one member of a group conversation.
type RoomMember struct {
	ID          string // member wxid
	DisplayName string // in-room nickname, may be empty
}

// ChatroomMembers returns the member roster of a group conversation.
// The roster blob is a protobuf message without a published schema;
// it is walked field by field (field 1 repeats one record per member,
// holding the wxid in field 1 and the room nickname in field 2). An
// unknown room yields an empty roster.
func (r *Reader) ChatroomMembers(roomID string) ([]RoomMember, error) {
	var blob []byte
	var nameList string
	err := r.db.QueryRow(r.pick(roomDataV3, roomDataV4), roomID).Scan(&blob, &nameList)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("schema: chatroom %q: %w", roomID, err)
	}

	members, err := roomDataMembers(blob)
	if err != nil {
		return nil, fmt.Errorf("schema: chatroom %q: %w", roomID, err)
	}
	if len(members) > 0 {
		return members, nil
	}

	// Older v3 rows carry only the 0x07-separated id list.
	for _, id := range strings.Split(nameList, "\x07") {
		if id != "" {
			members = append(members, RoomMember{ID: id})
		}
	}
	return members, nil
}

// roomDataMembers walks the roster protobuf with protowire.
func roomDataMembers(data []byte) ([]RoomMember, error) {
	var members []RoomMember
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("roster tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if num == 1 && typ == protowire.BytesType {
			record, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("roster record: %w", protowire.ParseError(n))
			}
			data = data[n:]

			m, err := roomMember(record)
			if err != nil {
				return nil, err
			}
			if m.ID != "" {
				members = append(members, m)
			}
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, fmt.Errorf("roster field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return members, nil
}

func roomMember(record []byte) (RoomMember, error) {
	var m RoomMember
	for len(record) > 0 {
		num, typ, n := protowire.ConsumeTag(record)
		if n < 0 {
			return m, fmt.Errorf("member tag: %w", protowire.ParseError(n))
		}
		record = record[n:]

		if typ == protowire.BytesType && (num == 1 || num == 2) {
			v, n := protowire.ConsumeBytes(record)
			if n < 0 {
				return m, fmt.Errorf("member field %d: %w", num, protowire.ParseError(n))
			}
			record = record[n:]
			if num == 1 {
				m.ID = string(v)
			} else {
				m.DisplayName = string(v)
			}
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, record)
		if n < 0 {
			return m, fmt.Errorf("member field %d: %w", num, protowire.ParseError(n))
		}
		record = record[n:]
	}
	return m, nil
}
