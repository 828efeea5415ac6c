package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"golang.org/x/term"

	client "github.com/wxvault/wxvault"
	"github.com/wxvault/wxvault/internal/account"
	"github.com/wxvault/wxvault/internal/config"
)

type decryptCommand struct {
	KeyHex string `short:"k" long:"key" description:"Store key as 64 hex characters, skips process recovery"`
	Out    string `long:"out" description:"Decrypted output file (default <output>/decrypted.db)"`
	Args   struct {
		Store string `positional-arg-name:"store" required:"true" description:"Encrypted store file"`
	} `positional-args:"true" required:"true"`
}

func (cmd *decryptCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	key, cand, err := cmd.obtainKey(ctx)
	if err != nil {
		return err
	}
	defer key.Wipe()

	out := cmd.Out
	if out == "" {
		out = filepath.Join(outputDir(), "decrypted.db")
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	v, err := client.DecryptStore(ctx, cmd.Args.Store, out, key)
	if err != nil {
		return err
	}
	if v == client.StorePlain {
		fmt.Printf("Store was not encrypted, copied to %s\n", out)
	} else {
		fmt.Printf("Decrypted %s store to %s\n", v, out)
	}

	cmd.writeSidecar(out, v, cand)

	cfg := loadToolConfig()
	cfg.StoreDir = filepath.Dir(cmd.Args.Store)
	cfg.TouchStore(out, v.String())
	if cand.Wxid != "" {
		cfg.RecordDecrypt(config.DecryptRecord{
			WXID:      cand.Wxid,
			StorePath: out,
			Version:   v.String(),
			Time:      time.Now().Unix(),
		})
	}
	saveToolConfig(cfg)
	return nil
}

// obtainKey resolves the store key: the --key flag, then recovery from
// a running client, then an interactive prompt.
func (cmd *decryptCommand) obtainKey(ctx context.Context) (client.Key, client.Candidate, error) {
	if cmd.KeyHex != "" {
		key, err := client.ParseKey(cmd.KeyHex)
		return key, client.Candidate{}, err
	}

	key, cand, err := recoverKey(ctx, cmd.Args.Store)
	if err == nil {
		return key, cand, nil
	}
	if !errors.Is(err, client.ErrKeyNotFound) {
		return nil, client.Candidate{}, err
	}

	fmt.Fprintf(os.Stderr, "Key recovery failed: %v\n", err)
	key, perr := promptKey()
	if perr != nil {
		return nil, client.Candidate{}, perr
	}
	return key, client.Candidate{}, nil
}

// promptKey reads a key from the terminal without echoing it.
func promptKey() (client.Key, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("stdin is not a terminal, pass the key with --key")
	}
	fmt.Fprint(os.Stderr, "Store key (64 hex chars): ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return client.ParseKey(string(raw))
}

// writeSidecar records what the decrypt run learned next to its
// output, so later opens need no flags. Best effort.
func (cmd *decryptCommand) writeSidecar(out string, v client.StoreVersion, cand client.Candidate) {
	info := account.New()
	info.WXID = cand.Wxid
	info.DataDir = cand.DataDir
	if opts.DataDir != "" {
		info.DataDir = opts.DataDir
	}
	switch v {
	case client.StoreV3, client.StoreV4:
		info.Version = v.String()
	default:
		// A passthrough copy tells us nothing, probe the output.
		if c, err := client.Open(out); err == nil {
			info.Version = c.Version().String()
			c.Close()
		}
	}
	if err := account.Save(filepath.Dir(out), info); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not write account sidecar: %v\n", err)
	}
}
