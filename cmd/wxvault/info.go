package main

import (
	"fmt"
	"time"
)

type infoCommand struct{}

func (cmd *infoCommand) Execute(args []string) error {
	c, err := openStore()
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("Store:    %s (schema %s)\n", c.StorePath(), c.Version())
	if dir := c.DataDir(); dir != "" {
		fmt.Printf("Data dir: %s\n", dir)
	} else {
		fmt.Println("Data dir: (unknown, media will export as unavailable)")
	}

	if info := c.Account(); info != nil {
		fmt.Printf("Account:  %s", info.WXID)
		if info.Name != "" {
			fmt.Printf(" (%s)", info.Name)
		}
		fmt.Println()
		if info.HasXORKey() {
			fmt.Printf("XOR key:  %#02x\n", info.XORKey)
		}
	} else {
		fmt.Println("Account:  (no sidecar record)")
	}

	sessions, err := c.Sessions()
	if err != nil {
		return err
	}
	contacts, err := c.Contacts()
	if err != nil {
		return err
	}
	fmt.Printf("Content:  %d session(s), %d contact(s)\n", len(sessions), len(contacts))

	cfg := loadToolConfig()
	if info := c.Account(); info != nil {
		if rec := cfg.LastDecrypt(info.WXID); rec != nil {
			fmt.Printf("Last decrypt: %s\n", time.Unix(rec.Time, 0).UTC().Format("2006-01-02 15:04"))
		}
	}
	return nil
}
