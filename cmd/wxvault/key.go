package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	client "github.com/wxvault/wxvault"
)

type keyCommand struct {
	Show bool `long:"show" description:"Print the full key instead of a redacted form"`
	Args struct {
		Store string `positional-arg-name:"store" required:"true" description:"Encrypted store file, used to verify candidate keys"`
	} `positional-args:"true" required:"true"`
}

func (cmd *keyCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	key, cand, err := recoverKey(ctx, cmd.Args.Store)
	if err != nil {
		return err
	}
	defer key.Wipe()

	if cand.Wxid != "" {
		fmt.Printf("Account: %s (pid %d, client %s)\n", cand.Wxid, cand.PID, cand.Version)
	}
	if cmd.Show {
		fmt.Printf("Key: %s\n", key.Hex())
	} else {
		fmt.Printf("Key: %s (use --show to reveal)\n", key)
	}
	return nil
}

// recoverKey walks the running client processes and returns the first
// key that unlocks the store.
func recoverKey(ctx context.Context, storePath string) (client.Key, client.Candidate, error) {
	cands, err := client.FindClients(ctx)
	if err != nil {
		return nil, client.Candidate{}, err
	}
	if len(cands) == 0 {
		return nil, client.Candidate{}, fmt.Errorf("%w: no running client process", client.ErrKeyNotFound)
	}

	for _, cand := range cands {
		fmt.Fprintf(os.Stderr, "Trying pid %d (client %s)...\n", cand.PID, cand.Version)
		key, err := client.RecoverKey(ctx, cand, storePath)
		if err == nil {
			return key, cand, nil
		}
		if errors.Is(err, client.ErrKeyNotFound) {
			continue
		}
		return nil, client.Candidate{}, err
	}
	return nil, client.Candidate{}, fmt.Errorf("%w: tried %d process(es)", client.ErrKeyNotFound, len(cands))
}
