package schema

import (
	"fmt"
	"iter"
	"strings"
)

// ContactRow is one address book entry in store order.
type ContactRow struct {
	ID       string // wxid or chatroom id
	Alias    string // user-chosen short id, may be empty
	Remark   string // name the account holder gave this contact
	Nickname string // name the contact chose
	Type     int64  // raw contact type flags
}

// DisplayName returns the best human name for the contact: remark,
// then nickname, then alias, then the raw id.
func (c ContactRow) DisplayName() string {
	for _, name := range []string{c.Remark, c.Nickname, c.Alias} {
		if name != "" {
			return name
		}
	}
	return c.ID
}

// IsChatroom reports whether the contact is a group conversation.
func (c ContactRow) IsChatroom() bool {
	return strings.HasSuffix(c.ID, "@chatroom")
}

// Contacts iterates the address book in id order. The sequence is
// lazy and restartable: each range loop runs a fresh query.
func (r *Reader) Contacts() iter.Seq2[ContactRow, error] {
	query := r.pick(contactsV3, contactsV4)
	return func(yield func(ContactRow, error) bool) {
		rows, err := r.db.Query(query)
		if err != nil {
			yield(ContactRow{}, fmt.Errorf("schema: contacts: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var c ContactRow
			if err := rows.Scan(&c.ID, &c.Alias, &c.Remark, &c.Nickname, &c.Type); err != nil {
				yield(ContactRow{}, fmt.Errorf("schema: scan contact: %w", err))
				return
			}
			if !yield(c, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(ContactRow{}, fmt.Errorf("schema: contacts: %w", err))
		}
	}
}

// ContactByID returns the contact with the given id, or nil if the
// store has no such contact.
func (r *Reader) ContactByID(id string) (*ContactRow, error) {
	var c ContactRow
	err := r.db.QueryRow(r.pick(contactByIDV3, contactByIDV4), id).
		Scan(&c.ID, &c.Alias, &c.Remark, &c.Nickname, &c.Type)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("schema: contact %q: %w", id, err)
	}
	return &c, nil
}
