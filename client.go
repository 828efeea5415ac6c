// Package wxvault provides a high-level client for recovering chat
// history from encrypted WeChat-style message stores.
//
// The pipeline has three stages: recover the store key from a running
// client process (or accept one as hex), decrypt the page-encrypted
// store into a plain SQLite file, and read, decode and export the
// conversations inside. Each stage is also available on its own.
package wxvault

import (
	"context"
	"fmt"
	"iter"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/wxvault/wxvault/internal/account"
	"github.com/wxvault/wxvault/internal/decode"
	"github.com/wxvault/wxvault/internal/export"
	"github.com/wxvault/wxvault/internal/keyfinder"
	"github.com/wxvault/wxvault/internal/mediafile"
	"github.com/wxvault/wxvault/internal/pagecrypt"
	"github.com/wxvault/wxvault/internal/schema"
)

// Message is one decoded chat message.
type Message = decode.Message

// Kind classifies a decoded message.
type Kind = decode.Kind

// MediaRef points at the media behind a message.
type MediaRef = decode.MediaRef

// Contact is one address book entry.
type Contact = schema.ContactRow

// Session is one conversation in the session list.
type Session = schema.SessionRow

// RoomMember is one chatroom member with its in-room display name.
type RoomMember = schema.RoomMember

// Blob is an opened media file stream.
type Blob = mediafile.Blob

// Key is the per-installation secret that unlocks an encrypted store.
type Key = pagecrypt.Key

// StoreVersion identifies the on-disk encryption layout of a store.
type StoreVersion = pagecrypt.StoreVersion

// Candidate is a running client process that may hold a store key.
type Candidate = keyfinder.Candidate

// AccountInfo is the persisted record of a decrypted installation.
type AccountInfo = account.Info

// Version identifies the table naming generation of a store.
type Version = schema.Version

// Selection narrows an export to sessions, a time range or kinds.
type Selection = export.Selection

// Summary is the outcome of a batch export.
type Summary = export.Summary

// SessionResult is one session's line in a batch summary.
type SessionResult = export.SessionResult

// Progress receives per-session export callbacks.
type Progress = export.Progress

// Format names an export output format.
type Format = export.Format

// Status classifies one session's export outcome.
type Status = export.Status

const (
	V3 = schema.V3
	V4 = schema.V4
)

const (
	StorePlain = pagecrypt.VersionPlain
	StoreV3    = pagecrypt.Version3
	StoreV4    = pagecrypt.Version4
)

const (
	FormatHTML     = export.FormatHTML
	FormatCSV      = export.FormatCSV
	FormatTXT      = export.FormatTXT
	FormatMarkdown = export.FormatMarkdown
	FormatDocx     = export.FormatDocx
)

const (
	StatusExported = export.StatusExported
	StatusSkipped  = export.StatusSkipped
	StatusFailed   = export.StatusFailed
)

const (
	KindUnsupported   = decode.KindUnsupported
	KindText          = decode.KindText
	KindImage         = decode.KindImage
	KindVoice         = decode.KindVoice
	KindVideo         = decode.KindVideo
	KindSticker       = decode.KindSticker
	KindFile          = decode.KindFile
	KindLink          = decode.KindLink
	KindMiniProgram   = decode.KindMiniProgram
	KindLocation      = decode.KindLocation
	KindCard          = decode.KindCard
	KindTransfer      = decode.KindTransfer
	KindCall          = decode.KindCall
	KindSystemNotice  = decode.KindSystemNotice
	KindQuote         = decode.KindQuote
	KindMergedForward = decode.KindMergedForward
)

// Failure sentinels of the pipeline stages. All errors returned from
// those stages match one of these with errors.Is where the condition
// applies.
var (
	ErrKeyNotFound   = keyfinder.ErrKeyNotFound
	ErrBadKey        = pagecrypt.ErrBadKey
	ErrCorruptStore  = pagecrypt.ErrCorruptStore
	ErrUnknownSchema = schema.ErrUnknownSchema
	ErrMediaMissing  = mediafile.ErrMediaMissing
)

const defaultOutDir = "data"

// Client is the main entry point for reading a decrypted store.
type Client struct {
	storePath string
	dataDir   string
	outDir    string
	accountID string
	workers   int
	xorKey    int // -1 until known
	logger    *log.Logger

	info     *account.Info
	reader   *schema.Reader
	decoder  *decode.Decoder
	resolver *decode.Resolver
}

// Option configures a Client.
type Option func(*Client)

// WithStorePath sets the decrypted store to open. The path may also
// name a directory, in which case Load discovers the store file inside.
func WithStorePath(path string) Option {
	return func(c *Client) { c.storePath = path }
}

// WithDataDir sets the account data directory media files are resolved
// against. If not set, Load takes it from the account sidecar next to
// the store, or walks up from the store path.
func WithDataDir(dir string) Option {
	return func(c *Client) { c.dataDir = dir }
}

// WithOutputDir sets the default directory for export artifacts.
func WithOutputDir(dir string) Option {
	return func(c *Client) { c.outDir = dir }
}

// WithAccountID sets the exporting account id used to attribute
// outgoing messages. If not set, Load takes it from the account
// sidecar next to the store.
func WithAccountID(id string) Option {
	return func(c *Client) { c.accountID = id }
}

// WithXORKey sets the single-byte key that de-obfuscates .dat media
// files. If not set, Load discovers it from the media files themselves.
func WithXORKey(key byte) Option {
	return func(c *Client) { c.xorKey = int(key) }
}

// WithWorkers bounds the number of sessions exported in parallel.
func WithWorkers(n int) Option {
	return func(c *Client) { c.workers = n }
}

// WithLogger sets the logger for verbose output.
// If not set, logging is disabled.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a new client. Call Load to open the store.
func NewClient(opts ...Option) *Client {
	c := &Client{
		outDir: defaultOutDir,
		xorKey: -1,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Open opens the decrypted store at path and loads the surrounding
// account state. path may name the store file or its directory.
func Open(path string, opts ...Option) (*Client, error) {
	c := NewClient(append(opts, WithStorePath(path))...)
	if err := c.Load(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load opens the store and wires up the decode pipeline. The account
// sidecar written at decrypt time fills in whatever the options left
// unset: account id, data directory and media XOR key.
func (c *Client) Load() error {
	if c.storePath == "" {
		return fmt.Errorf("client: no store path (use Open or WithStorePath)")
	}
	if fi, err := os.Stat(c.storePath); err == nil && fi.IsDir() {
		discovered, err := discoverStore(c.storePath)
		if err != nil {
			return fmt.Errorf("client: %w", err)
		}
		c.storePath = discovered
	}
	logf(c.logger, "opening store path=%s", c.storePath)

	if plain, err := pagecrypt.IsPlain(c.storePath); err == nil && !plain {
		return fmt.Errorf("client: store %s is still encrypted (run DecryptStore first)", c.storePath)
	}

	if info, err := account.Load(filepath.Dir(c.storePath)); err != nil {
		logf(c.logger, "account sidecar unreadable: %v", err)
	} else if info != nil {
		c.info = info
		if c.accountID == "" {
			c.accountID = info.WXID
		}
		if c.dataDir == "" {
			c.dataDir = info.DataDir
		}
		if c.xorKey < 0 && info.HasXORKey() {
			c.xorKey = info.XORKey
		}
	}
	if c.dataDir == "" {
		if dir, ok := discoverDataDir(c.storePath); ok {
			c.dataDir = dir
			logf(c.logger, "discovered data dir %s", dir)
		}
	}

	reader, err := schema.Open(c.storePath)
	if err != nil {
		return fmt.Errorf("client: open store: %w", err)
	}
	c.reader = reader
	logf(c.logger, "store schema %s", reader.Version())

	c.decoder = decode.NewDecoder(reader.Version(),
		decode.WithAccountID(c.accountID),
		decode.WithLogger(c.logger))

	c.initResolver()
	return nil
}

// initResolver builds the media resolver when a data directory is
// known. A store without reachable media still exports, every media
// message just degrades to unavailable, so resolver setup failures are
// logged rather than returned.
func (c *Client) initResolver() {
	if c.dataDir == "" {
		logf(c.logger, "no data dir, media will render as unavailable")
		return
	}
	opts := []mediafile.Option{mediafile.WithLogger(c.logger)}
	if c.xorKey < 0 && c.reader.Version() == schema.V3 {
		if key, err := mediafile.DiscoverXORKey(c.dataDir); err == nil {
			c.xorKey = int(key)
			logf(c.logger, "discovered media xor key %#02x", key)
		} else {
			logf(c.logger, "xor key discovery: %v", err)
		}
	}
	if c.xorKey >= 0 {
		opts = append(opts, mediafile.WithXORKey(byte(c.xorKey)))
	}

	locator := mediafile.NewLocator(c.dataDir, c.reader.Version(), opts...)
	resolver, err := decode.NewResolver(locator, c.reader.MediaIndex(),
		decode.WithResolverLogger(c.logger))
	if err != nil {
		logf(c.logger, "media index unavailable: %v", err)
		return
	}
	c.resolver = resolver
	logf(c.logger, "media index: %d entries", resolver.IndexSize())
}

// Close closes the store.
func (c *Client) Close() error {
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}

// StorePath returns the path of the opened store file.
func (c *Client) StorePath() string {
	return c.storePath
}

// DataDir returns the account data directory media is resolved
// against, or "" when none is known.
func (c *Client) DataDir() string {
	return c.dataDir
}

// Version returns the schema version of the opened store.
func (c *Client) Version() Version {
	if c.reader == nil {
		return schema.VersionUnknown
	}
	return c.reader.Version()
}

// Account returns the account record loaded from the sidecar next to
// the store, or nil when there was none.
func (c *Client) Account() *AccountInfo {
	return c.info
}

// Sessions returns the conversation list, most recently active first.
func (c *Client) Sessions() ([]Session, error) {
	if c.reader == nil {
		return nil, fmt.Errorf("client: store not loaded (call Load or Open first)")
	}
	var out []Session
	for row, err := range c.reader.Sessions() {
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// Contacts returns the address book.
func (c *Client) Contacts() ([]Contact, error) {
	if c.reader == nil {
		return nil, fmt.Errorf("client: store not loaded (call Load or Open first)")
	}
	var out []Contact
	for row, err := range c.reader.Contacts() {
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// ChatroomMembers returns the member roster of a chatroom.
func (c *Client) ChatroomMembers(roomID string) ([]RoomMember, error) {
	if c.reader == nil {
		return nil, fmt.Errorf("client: store not loaded (call Load or Open first)")
	}
	return c.reader.ChatroomMembers(roomID)
}

// Messages returns the decoded messages of one session in stored
// order. The sequence is lazy; breaking out early stops the underlying
// query, and iterating again re-runs it.
func (c *Client) Messages(sessionID string) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		if c.reader == nil {
			yield(Message{}, fmt.Errorf("client: store not loaded (call Load or Open first)"))
			return
		}
		for row, err := range c.reader.Messages(sessionID) {
			if err != nil {
				yield(Message{}, err)
				return
			}
			if !yield(c.decoder.Decode(row), nil) {
				return
			}
		}
	}
}

// OpenMedia opens the media file behind a message reference. The
// caller must close the returned blob.
func (c *Client) OpenMedia(ref MediaRef) (*Blob, error) {
	if c.reader == nil {
		return nil, fmt.Errorf("client: store not loaded (call Load or Open first)")
	}
	if c.resolver == nil {
		return nil, fmt.Errorf("%w: no data directory to resolve against", ErrMediaMissing)
	}
	return c.resolver.OpenMedia(ref)
}

// ExportRequest configures one batch export run. Zero values fall back
// to the client defaults: the configured output directory, the html
// format and all sessions.
type ExportRequest struct {
	OutDir    string
	Formats   []Format
	Selection Selection
	SaveMedia bool
	RawCopy   bool // also write a verbatim copy of the decrypted store
	Progress  Progress
}

// Export renders the selected sessions into the requested formats.
// Per-session failures are collected in the summary rather than
// aborting the batch; the returned error is reserved for job-level
// problems such as an unwritable output directory or cancellation.
func (c *Client) Export(ctx context.Context, req ExportRequest) (*Summary, error) {
	if c.reader == nil {
		return nil, fmt.Errorf("client: store not loaded (call Load or Open first)")
	}
	outDir := req.OutDir
	if outDir == "" {
		outDir = c.outDir
	}
	formats := req.Formats
	if len(formats) == 0 {
		formats = []Format{FormatHTML}
	}
	job := &export.Job{
		Reader:    c.reader,
		Decoder:   c.decoder,
		Resolver:  c.resolver,
		OutDir:    outDir,
		Formats:   formats,
		Selection: req.Selection,
		Account:   c.accountID,
		SaveMedia: req.SaveMedia,
		RawCopy:   req.RawCopy,
		Workers:   c.workers,
		Progress:  req.Progress,
		Logger:    c.logger,
	}
	return job.Run(ctx)
}

// ExportAll exports every session, media included. With no formats it
// renders html.
func (c *Client) ExportAll(ctx context.Context, formats ...Format) (*Summary, error) {
	return c.Export(ctx, ExportRequest{Formats: formats, SaveMedia: true})
}

// ParseKey decodes a 64-character hex string into a store key.
func ParseKey(s string) (Key, error) {
	return pagecrypt.ParseKey(s)
}

// FindClients enumerates running chat client processes that may hold
// store keys.
func FindClients(ctx context.Context) ([]Candidate, error) {
	return keyfinder.FindProcesses(ctx)
}

// RecoverKey extracts the store key from the candidate process and
// verifies it against the store at storePath before returning it.
func RecoverKey(ctx context.Context, cand Candidate, storePath string) (Key, error) {
	return keyfinder.NewFinder().Recover(ctx, cand, storePath)
}

// DetectStore reports the encryption layout of the store at path. It
// reads at most one page; a plain store reports StorePlain regardless
// of the key.
func DetectStore(path string, key Key) (StoreVersion, error) {
	return pagecrypt.DetectStore(path, key)
}

// DecryptStore decrypts the store at src into dst and reports the
// layout it found. dst is written through a temporary file and renamed
// into place only once every page has authenticated, so a failed run
// never leaves a partial file behind. Running it twice with the same
// inputs yields byte-identical output.
func DecryptStore(ctx context.Context, src, dst string, key Key) (StoreVersion, error) {
	return pagecrypt.DecryptStore(ctx, src, dst, key)
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

// discoverStore finds the decrypted store file in dir.
// Returns an error if no store exists or if multiple do (ambiguous).
func discoverStore(dir string) (string, error) {
	files, err := listStoreFiles(dir)
	if err != nil {
		return "", err
	}

	if len(files) == 0 {
		return "", fmt.Errorf("no decrypted store found in %s (run 'wxvault decrypt' first)", dir)
	}
	if len(files) > 1 {
		// A decrypt run names its output decrypted.db; prefer that over
		// stray copies.
		for _, path := range files {
			if filepath.Base(path) == "decrypted.db" {
				return path, nil
			}
		}
		var names []string
		for _, path := range files {
			names = append(names, filepath.Base(path))
		}
		return "", fmt.Errorf("multiple store files found, specify one directly:\n  %s",
			strings.Join(names, "\n  "))
	}
	return files[0], nil
}

// listStoreFiles returns the plain SQLite .db files in dir.
func listStoreFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".db" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		// Encrypted stores and journal leftovers are not openable.
		if plain, err := pagecrypt.IsPlain(path); err != nil || !plain {
			continue
		}
		files = append(files, path)
	}
	return files, nil
}

// discoverDataDir walks up from the store path looking for the account
// data directory, the one holding the media tree (FileStorage for v3,
// msg for v4).
func discoverDataDir(storePath string) (string, bool) {
	dir := filepath.Dir(storePath)
	for range 5 {
		for _, marker := range []string{"FileStorage", "msg"} {
			if fi, err := os.Stat(filepath.Join(dir, marker)); err == nil && fi.IsDir() {
				return dir, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}
