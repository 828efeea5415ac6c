package main

import (
	"fmt"
	"strings"

	client "github.com/wxvault/wxvault"
)

type contactsCommand struct {
	Rooms bool `long:"rooms" description:"Only list chatrooms"`
}

func (cmd *contactsCommand) Execute(args []string) error {
	c, err := openStore()
	if err != nil {
		return err
	}
	defer c.Close()

	contacts, err := c.Contacts()
	if err != nil {
		return err
	}

	shown := 0
	for _, ct := range contacts {
		if cmd.Rooms && !ct.IsChatroom() {
			continue
		}
		marker := ""
		if ct.IsChatroom() {
			marker = " [room]"
		}
		fmt.Printf("%-28s %s%s\n", ct.ID, ct.DisplayName(), marker)
		shown++
	}
	fmt.Printf("%d contact(s)\n", shown)
	return nil
}

// contactNames maps contact ids to display names for listings.
func contactNames(c *client.Client) map[string]string {
	names := map[string]string{}
	contacts, err := c.Contacts()
	if err != nil {
		return names
	}
	for _, ct := range contacts {
		names[ct.ID] = ct.DisplayName()
	}
	return names
}

func isChatroom(id string) bool {
	return strings.HasSuffix(id, "@chatroom")
}
