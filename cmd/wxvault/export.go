package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	client "github.com/wxvault/wxvault"
)

type exportCommand struct {
	Format  []string `short:"f" long:"format" description:"Output format, repeatable: html, csv, txt, md, docx (default from config)"`
	Session []string `long:"session" description:"Only export these session ids, repeatable"`
	Since   string   `long:"since" description:"Only messages at or after this time (2006-01-02 or '2006-01-02 15:04:05')"`
	Until   string   `long:"until" description:"Only messages before this time"`
	Types   []string `long:"types" description:"Only these message kinds, repeatable: text, image, voice, ..."`
	Workers int      `short:"w" long:"workers" description:"Sessions exported in parallel" default:"0"`
	NoMedia bool     `long:"no-media" description:"Skip writing media files"`
	RawCopy bool     `long:"raw-copy" description:"Also copy the decrypted store into the output"`
}

func (cmd *exportCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg := loadToolConfig()

	formats := cmd.formats(cfg.ExportFormat)
	sel, err := cmd.selection()
	if err != nil {
		return err
	}

	c, err := openStore(client.WithWorkers(cmd.Workers))
	if err != nil {
		return err
	}
	defer c.Close()

	outDir := outputDir()
	sum, err := c.Export(ctx, client.ExportRequest{
		OutDir:    outDir,
		Formats:   formats,
		Selection: sel,
		SaveMedia: !cmd.NoMedia,
		RawCopy:   cmd.RawCopy,
		Progress:  &progressPrinter{},
	})
	if err != nil {
		return err
	}

	fmt.Printf("Exported %d, skipped %d, failed %d (%s)\n",
		sum.Exported, sum.Skipped, sum.Failed, outDir)
	for _, res := range sum.Results {
		if res.Status == client.StatusFailed {
			fmt.Fprintf(os.Stderr, "  failed %s: %s\n", res.SessionID, res.Reason)
		}
	}

	cfg.OutputDir = outDir
	cfg.ExportFormat = string(formats[0])
	saveToolConfig(cfg)
	return nil
}

// formats resolves the output formats: flags, then the remembered
// default. Validity is checked by the export job itself.
func (cmd *exportCommand) formats(fallback string) []client.Format {
	names := cmd.Format
	if len(names) == 0 && fallback != "" {
		names = []string{fallback}
	}
	if len(names) == 0 {
		names = []string{"html"}
	}
	var out []client.Format
	for _, name := range names {
		out = append(out, client.Format(strings.ToLower(name)))
	}
	return out
}

func (cmd *exportCommand) selection() (client.Selection, error) {
	sel := client.Selection{Sessions: cmd.Session}

	var err error
	if sel.From, err = parseWhen(cmd.Since); err != nil {
		return sel, fmt.Errorf("--since: %w", err)
	}
	if sel.To, err = parseWhen(cmd.Until); err != nil {
		return sel, fmt.Errorf("--until: %w", err)
	}

	for _, name := range cmd.Types {
		kind, ok := kindByName[strings.ToLower(name)]
		if !ok {
			return sel, fmt.Errorf("unknown message kind %q", name)
		}
		sel.Kinds = append(sel.Kinds, kind)
	}
	return sel, nil
}

var kindByName = map[string]client.Kind{
	"text":        client.KindText,
	"image":       client.KindImage,
	"voice":       client.KindVoice,
	"video":       client.KindVideo,
	"sticker":     client.KindSticker,
	"file":        client.KindFile,
	"link":        client.KindLink,
	"miniprogram": client.KindMiniProgram,
	"location":    client.KindLocation,
	"card":        client.KindCard,
	"transfer":    client.KindTransfer,
	"call":        client.KindCall,
	"system":      client.KindSystemNotice,
	"quote":       client.KindQuote,
	"forward":     client.KindMergedForward,
}

var whenLayouts = []string{"2006-01-02 15:04:05", "2006-01-02"}

func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range whenLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q, use 2006-01-02 or '2006-01-02 15:04:05'", s)
}

// progressPrinter reports per-session progress. Sessions run in
// parallel, so printing is serialized.
type progressPrinter struct {
	mu sync.Mutex
}

func (p *progressPrinter) SessionStarted(id string, index, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(os.Stderr, "[%d/%d] %s\n", index, total, id)
}

func (p *progressPrinter) SessionDone(res client.SessionResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch res.Status {
	case client.StatusExported:
		line := fmt.Sprintf("  %s: %d message(s)", res.Title, res.Messages)
		if res.MediaSaved > 0 {
			line += fmt.Sprintf(", %d media", res.MediaSaved)
		}
		if res.MediaMissing > 0 {
			line += fmt.Sprintf(", %d missing", res.MediaMissing)
		}
		fmt.Fprintln(os.Stderr, line)
	case client.StatusSkipped:
		fmt.Fprintf(os.Stderr, "  %s: skipped (%s)\n", res.Title, res.Reason)
	default:
		fmt.Fprintf(os.Stderr, "  %s: failed (%s)\n", res.Title, res.Reason)
	}
}
