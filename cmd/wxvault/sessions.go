package main

import (
	"fmt"
	"time"
)

type sessionsCommand struct {
	Rooms bool `long:"rooms" description:"Only list chatroom sessions"`
}

func (cmd *sessionsCommand) Execute(args []string) error {
	c, err := openStore()
	if err != nil {
		return err
	}
	defer c.Close()

	sessions, err := c.Sessions()
	if err != nil {
		return err
	}
	names := contactNames(c)

	shown := 0
	for _, s := range sessions {
		if cmd.Rooms && !isChatroom(s.ID) {
			continue
		}
		title := names[s.ID]
		if title == "" {
			title = s.Title
		}
		if title == "" {
			title = s.ID
		}
		last := time.Unix(s.Time, 0).UTC().Format("2006-01-02 15:04")
		if s.Unread > 0 {
			fmt.Printf("%s  %-28s %s (%d unread)\n", last, s.ID, title, s.Unread)
		} else {
			fmt.Printf("%s  %-28s %s\n", last, s.ID, title)
		}
		shown++
	}
	fmt.Printf("%d session(s)\n", shown)
	return nil
}
