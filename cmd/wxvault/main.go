// Command wxvault recovers chat history from encrypted WeChat-style
// message stores.
//
// Usage:
//
//	wxvault key <store>         Recover the store key from a running client
//	wxvault decrypt <store>     Decrypt a store into a plain database
//	wxvault sessions            List conversations in a decrypted store
//	wxvault export              Export conversations to portable formats
package main

import (
	"fmt"
	stdlog "log"
	"os"

	"github.com/charmbracelet/log"
	flags "github.com/jessevdk/go-flags"

	client "github.com/wxvault/wxvault"
	"github.com/wxvault/wxvault/internal/config"
)

type globalOpts struct {
	Store   string `short:"s" long:"store" description:"Decrypted store file or the directory holding it"`
	DataDir string `long:"data-dir" description:"Account data directory, for media resolution"`
	Output  string `short:"o" long:"output" description:"Output directory for exports and decrypted stores"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Key      keyCommand      `command:"key" description:"Recover the store key from a running client process"`
	Decrypt  decryptCommand  `command:"decrypt" description:"Decrypt an encrypted store into a plain database"`
	Sessions sessionsCommand `command:"sessions" description:"List conversations in a decrypted store"`
	Contacts contactsCommand `command:"contacts" description:"List contacts in a decrypted store"`
	Export   exportCommand   `command:"export" description:"Export conversations to portable formats"`
	Info     infoCommand     `command:"info" description:"Show the account recorded beside a decrypted store"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			// go-flags already printed the usage problem.
			os.Exit(1)
		}
		log.Error(err)
		os.Exit(1)
	}
}

// coreLogger bridges the CLI logger into the *log.Logger the library
// accepts. Nil unless --verbose, which disables library logging
// entirely.
func coreLogger() *stdlog.Logger {
	if !opts.Verbose {
		return nil
	}
	charm := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           log.DebugLevel,
	})
	return charm.StandardLog(log.StandardLogOptions{ForceLevel: log.DebugLevel})
}

func clientOpts() []client.Option {
	copts := []client.Option{client.WithLogger(coreLogger())}
	if opts.DataDir != "" {
		copts = append(copts, client.WithDataDir(opts.DataDir))
	}
	if opts.Output != "" {
		copts = append(copts, client.WithOutputDir(opts.Output))
	}
	return copts
}

// openStore opens the decrypted store named by --store, falling back
// to the most recently used one.
func openStore(extra ...client.Option) (*client.Client, error) {
	path := opts.Store
	if path == "" {
		cfg := loadToolConfig()
		if len(cfg.RecentStores) > 0 {
			path = cfg.RecentStores[0].Path
			log.Debug("using most recent store", "path", path)
		}
	}
	if path == "" {
		return nil, fmt.Errorf("no store given, pass --store or run 'wxvault decrypt' first")
	}
	return client.Open(path, append(clientOpts(), extra...)...)
}

// outputDir resolves the output directory: the --output flag, then the
// remembered one, then the built-in default.
func outputDir() string {
	if opts.Output != "" {
		return opts.Output
	}
	return loadToolConfig().OutputDir
}

func loadToolConfig() *config.Config {
	path, err := config.DefaultPath()
	if err != nil {
		return config.Default()
	}
	return config.Load(path)
}

// saveToolConfig persists tool state. Failures are reported but never
// fail the command that triggered the save.
func saveToolConfig(cfg *config.Config) {
	path, err := config.DefaultPath()
	if err == nil {
		err = config.Save(path, cfg)
	}
	if err != nil {
		log.Warn("could not save tool config", "err", err)
	}
}
