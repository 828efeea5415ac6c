package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/wxvault/wxvault/internal/decode"
	"github.com/wxvault/wxvault/internal/mediafile"
	"github.com/wxvault/wxvault/internal/schema"
)

// Status classifies one session's outcome in a batch.
type Status string

const (
	StatusExported Status = "exported"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// SessionResult is one session's line in a batch summary.
type SessionResult struct {
	SessionID    string
	Title        string
	Status       Status
	Reason       string   // skip reason or failure description
	Artifacts    []string // output files relative to the job directory
	Messages     int
	MediaSaved   int
	MediaMissing int
	Err          error
}

// Summary is the outcome of a batch job. The job as a whole only
// fails when there was nothing to export; per-session failures are
// collected here instead.
type Summary struct {
	JobID     string
	StoreCopy string // relative path of the raw store copy, if requested
	Results   []SessionResult
	Exported  int
	Skipped   int
	Failed    int
}

// Progress receives batch lifecycle callbacks. Sessions run in
// parallel, so implementations must be safe for concurrent use.
type Progress interface {
	SessionStarted(sessionID string, index, total int)
	SessionDone(result SessionResult)
}

// NullProgress drops all callbacks.
type NullProgress struct{}

func (NullProgress) SessionStarted(string, int, int) {}
func (NullProgress) SessionDone(SessionResult)       {}

var _ Progress = NullProgress{}

// Job is one batch export over an opened store. Every field except
// Reader, Decoder and OutDir is optional.
type Job struct {
	Reader    *schema.Reader
	Decoder   *decode.Decoder
	Resolver  *decode.Resolver // nil exports without media files
	OutDir    string
	Formats   []Format
	Selection Selection
	Account   string // exporting account id, shown as "me" fallback
	SaveMedia bool
	RawCopy   bool // also write a verbatim copy of the decrypted store
	Workers   int
	Progress  Progress
	Logger    *log.Logger
}

const defaultWorkers = 4

// Run exports every selected session. Sessions are independent units
// of work on a bounded pool; within a session, decoding, resolution
// and rendering stay sequential. On cancellation, in-flight sessions
// are abandoned cleanly and the summary reports whatever finished;
// the context error is returned alongside it.
func (j *Job) Run(ctx context.Context) (*Summary, error) {
	switch {
	case j.Reader == nil:
		return nil, errors.New("export: job needs a store reader")
	case j.Decoder == nil:
		return nil, errors.New("export: job needs a decoder")
	case j.OutDir == "":
		return nil, errors.New("export: job needs an output directory")
	case len(j.Formats) == 0:
		return nil, errors.New("export: job needs at least one format")
	}
	for _, f := range j.Formats {
		if _, err := NewRenderer(f); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(j.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create output dir: %w", err)
	}

	sum := &Summary{JobID: uuid.NewString()}
	if j.RawCopy {
		name := filepath.Base(j.Reader.Path())
		if err := CopyStore(filepath.Join(j.OutDir, name), j.Reader.Path()); err != nil {
			return nil, err
		}
		sum.StoreCopy = name
	}

	names, err := j.contactNames()
	if err != nil {
		return nil, err
	}
	sessions, err := j.selectSessions()
	if err != nil {
		return nil, err
	}

	progress := j.Progress
	if progress == nil {
		progress = NullProgress{}
	}
	workers := j.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	sum.Results = make([]SessionResult, len(sessions))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, sess := range sessions {
		canceled := ctx.Err() != nil
		if !canceled {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				canceled = true
			}
		}
		if canceled {
			sum.Results[i] = SessionResult{
				SessionID: sess.ID,
				Title:     sessionTitle(sess, names),
				Status:    StatusSkipped,
				Reason:    "canceled",
			}
			continue
		}
		wg.Add(1)
		go func(i int, sess schema.SessionRow) {
			defer wg.Done()
			defer func() { <-sem }()
			progress.SessionStarted(sess.ID, i+1, len(sessions))
			res := j.exportSession(ctx, sess, names)
			sum.Results[i] = res
			progress.SessionDone(res)
		}(i, sess)
	}
	wg.Wait()

	for i := range sum.Results {
		switch sum.Results[i].Status {
		case StatusExported:
			sum.Exported++
		case StatusFailed:
			sum.Failed++
		default:
			sum.Skipped++
		}
	}
	return sum, ctx.Err()
}

func (j *Job) contactNames() (map[string]string, error) {
	names := make(map[string]string)
	for c, err := range j.Reader.Contacts() {
		if err != nil {
			return nil, err
		}
		names[c.ID] = c.DisplayName()
	}
	return names, nil
}

func (j *Job) selectSessions() ([]schema.SessionRow, error) {
	var out []schema.SessionRow
	for s, err := range j.Reader.Sessions() {
		if err != nil {
			return nil, err
		}
		if j.Selection.includeSession(s.ID) {
			out = append(out, s)
		}
	}
	return out, nil
}

func sessionTitle(sess schema.SessionRow, names map[string]string) string {
	if name := names[sess.ID]; name != "" {
		return name
	}
	if sess.Title != "" {
		return sess.Title
	}
	return sess.ID
}

func (j *Job) exportSession(ctx context.Context, sess schema.SessionRow, names map[string]string) SessionResult {
	res := SessionResult{SessionID: sess.ID, Title: sessionTitle(sess, names)}

	msgs, err := j.collectMessages(ctx, sess.ID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			res.Status = StatusSkipped
			res.Reason = "canceled"
			return res
		}
		res.Status = StatusFailed
		res.Reason = err.Error()
		res.Err = err
		return res
	}
	if len(msgs) == 0 {
		res.Status = StatusSkipped
		res.Reason = "no messages in selection"
		return res
	}

	view := &SessionView{
		SessionID:  sess.ID,
		Title:      res.Title,
		Account:    j.Account,
		Names:      j.rosterNames(sess.ID, names),
		Graph:      decode.NewGraph(msgs),
		MediaPaths: make(map[int64]string),
	}
	if j.SaveMedia && j.Resolver != nil {
		res.MediaSaved, res.MediaMissing = j.saveMedia(ctx, view)
	}

	for _, format := range j.Formats {
		if ctx.Err() != nil {
			if len(res.Artifacts) == 0 {
				res.Status = StatusSkipped
				res.Reason = "canceled"
			} else {
				res.Status = StatusFailed
				res.Reason = "canceled before all formats were written"
			}
			return res
		}
		r, err := NewRenderer(format)
		if err != nil {
			res.Status = StatusFailed
			res.Reason = err.Error()
			res.Err = err
			return res
		}
		name := safeName(sess.ID) + "." + r.Ext()
		err = writeFileAtomic(filepath.Join(j.OutDir, name), func(w io.Writer) error {
			return r.Render(ctx, w, view)
		})
		if err != nil {
			res.Status = StatusFailed
			res.Reason = fmt.Sprintf("render %s: %v", format, err)
			res.Err = err
			return res
		}
		res.Artifacts = append(res.Artifacts, name)
	}

	res.Status = StatusExported
	res.Messages = len(msgs)
	return res
}

func (j *Job) collectMessages(ctx context.Context, sessionID string) ([]decode.Message, error) {
	var out []decode.Message
	for row, err := range j.Reader.Messages(sessionID) {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg := j.Decoder.Decode(row)
		if j.Selection.includeMessage(msg) {
			out = append(out, msg)
		}
	}
	return out, nil
}

// rosterNames overlays chatroom member display names onto the contact
// names, for members who are not saved contacts.
func (j *Job) rosterNames(sessionID string, names map[string]string) map[string]string {
	if !strings.HasSuffix(sessionID, "@chatroom") {
		return names
	}
	members, err := j.Reader.ChatroomMembers(sessionID)
	if err != nil {
		logf(j.Logger, "export: roster for %s: %v", sessionID, err)
		return names
	}
	if len(members) == 0 {
		return names
	}
	merged := make(map[string]string, len(names)+len(members))
	for id, name := range names {
		merged[id] = name
	}
	for _, m := range members {
		if merged[m.ID] == "" && m.DisplayName != "" {
			merged[m.ID] = m.DisplayName
		}
	}
	return merged
}

// saveMedia materializes referenced blobs under files/<session>/ and
// records their artifact-relative paths on the view. A blob that
// cannot be resolved degrades only its own message.
func (j *Job) saveMedia(ctx context.Context, view *SessionView) (saved, missing int) {
	dir := filepath.Join("files", safeName(view.SessionID))
	for i := range view.Graph.Messages {
		if ctx.Err() != nil {
			return saved, missing
		}
		m := view.Graph.Messages[i]
		ref := messageMediaRef(m)
		if ref == nil || (ref.MD5 == "" && ref.Path == "") {
			continue
		}
		blob, err := j.Resolver.OpenMedia(*ref)
		if err != nil {
			if errors.Is(err, mediafile.ErrMediaMissing) {
				missing++
				logf(j.Logger, "export: %s message %d: %v", view.SessionID, m.Key, err)
				continue
			}
			missing++
			logf(j.Logger, "export: %s message %d: open media: %v", view.SessionID, m.Key, err)
			continue
		}
		rel := filepath.ToSlash(filepath.Join(dir, fmt.Sprintf("%d.%s", m.Key, blob.Ext)))
		err = writeFileAtomic(filepath.Join(j.OutDir, filepath.FromSlash(rel)), func(w io.Writer) error {
			_, err := io.Copy(w, blob)
			return err
		})
		blob.Close()
		if err != nil {
			missing++
			logf(j.Logger, "export: %s message %d: save media: %v", view.SessionID, m.Key, err)
			continue
		}
		view.MediaPaths[m.Key] = rel
		saved++
	}
	return saved, missing
}

func messageMediaRef(m decode.Message) *decode.MediaRef {
	switch {
	case m.Image != nil:
		return &m.Image.Ref
	case m.Video != nil:
		return &m.Video.Ref
	case m.Voice != nil:
		return &m.Voice.Ref
	case m.File != nil:
		return &m.File.Ref
	}
	return nil
}

// CopyStore writes a verbatim copy of the decrypted store. The copy
// goes through a temporary file so readers never see a partial store.
func CopyStore(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("export: copy store: %w", err)
	}
	defer in.Close()
	err = writeFileAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
	if err != nil {
		return fmt.Errorf("export: copy store: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// safeName maps a session id onto a filesystem-safe artifact name.
func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_' || r == '-' || r == '.' || r == '@':
			return r
		default:
			return '_'
		}
	}, id)
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
