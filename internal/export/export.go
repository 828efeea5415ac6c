// Package export renders resolved conversations into portable
// archive formats. All renderers consume the same session view and
// produce deterministic output, so repeated exports of an unchanged
// store are bit-for-bit identical.
package export

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/wxvault/wxvault/internal/decode"
)

// Format names an output format.
type Format string

const (
	FormatHTML     Format = "html"
	FormatCSV      Format = "csv"
	FormatTXT      Format = "txt"
	FormatMarkdown Format = "md"
	FormatDocx     Format = "docx"
)

// Renderer writes one session's resolved messages to w.
type Renderer interface {
	Render(ctx context.Context, w io.Writer, view *SessionView) error
	Ext() string
}

var renderers = map[Format]func() Renderer{
	FormatHTML:     func() Renderer { return htmlRenderer{} },
	FormatCSV:      func() Renderer { return csvRenderer{} },
	FormatTXT:      func() Renderer { return txtRenderer{} },
	FormatMarkdown: func() Renderer { return markdownRenderer{} },
	FormatDocx:     func() Renderer { return docxRenderer{} },
}

// NewRenderer returns the renderer for a format.
func NewRenderer(f Format) (Renderer, error) {
	ctor, ok := renderers[f]
	if !ok {
		return nil, fmt.Errorf("export: unknown format %q", f)
	}
	return ctor(), nil
}

// Formats lists the supported format names, sorted.
func Formats() []string {
	out := make([]string, 0, len(renderers))
	for f := range renderers {
		out = append(out, string(f))
	}
	sort.Strings(out)
	return out
}

// Selection narrows a batch export. Zero values select everything.
type Selection struct {
	Sessions []string      // session ids to include, empty for all
	From     time.Time     // inclusive lower bound
	To       time.Time     // exclusive upper bound
	Kinds    []decode.Kind // message kinds to include, empty for all
}

func (s Selection) includeSession(id string) bool {
	if len(s.Sessions) == 0 {
		return true
	}
	for _, want := range s.Sessions {
		if want == id {
			return true
		}
	}
	return false
}

func (s Selection) includeMessage(m decode.Message) bool {
	if !s.From.IsZero() && m.Time.Before(s.From) {
		return false
	}
	if !s.To.IsZero() && !m.Time.Before(s.To) {
		return false
	}
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if m.Kind == k {
			return true
		}
	}
	return false
}

// SessionView is the fully resolved input every renderer consumes.
// Messages are already ordered and media already materialized; the
// renderers only serialize.
type SessionView struct {
	SessionID string
	Title     string
	Account   string            // exporting account id
	Names     map[string]string // sender id -> display name
	Graph     *decode.Graph

	// MediaPaths maps a message key to the artifact-relative path of
	// its exported media file. Messages whose media could not be
	// resolved have no entry and render as unavailable.
	MediaPaths map[int64]string
}

// Messages returns the ordered message slice.
func (v *SessionView) Messages() []decode.Message {
	return v.Graph.Messages
}

// SenderName resolves a display name for the message author.
func (v *SessionView) SenderName(m decode.Message) string {
	if m.Sender != "" {
		if name, ok := v.Names[m.Sender]; ok && name != "" {
			return name
		}
		return m.Sender
	}
	if m.Outgoing {
		return "me"
	}
	return "unknown"
}

// MediaPath returns the exported media path for a message key.
func (v *SessionView) MediaPath(key int64) (string, bool) {
	p, ok := v.MediaPaths[key]
	return p, ok
}

const stampLayout = "2006-01-02 15:04:05"

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(stampLayout)
}

// anchorID is the stable per-message anchor used by the markup
// renderer and referenced from quote links. Keys are unique within a
// session, so the id is too.
func anchorID(key int64) string {
	if key < 0 {
		return fmt.Sprintf("msg-l%d", -key)
	}
	return fmt.Sprintf("msg-%d", key)
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	case n > 0:
		return fmt.Sprintf("%d B", n)
	default:
		return ""
	}
}

// line renders a message as a single line of plain text, the shared
// form for the delimited and tabular formats.
func (v *SessionView) line(i int, m decode.Message) string {
	switch m.Kind {
	case decode.KindText:
		return flatten(m.Text)
	case decode.KindImage:
		return bracket("image", v.mediaOrMissing(m.Key))
	case decode.KindVoice:
		d := ""
		if m.Voice != nil && m.Voice.Duration > 0 {
			d = m.Voice.Duration.Round(time.Second).String()
		}
		return bracket("voice "+d, v.mediaOrMissing(m.Key))
	case decode.KindVideo:
		return bracket("video", v.mediaOrMissing(m.Key))
	case decode.KindSticker:
		return "[sticker]"
	case decode.KindFile:
		if m.File != nil {
			return bracket("file "+m.File.Name, v.mediaOrMissing(m.Key))
		}
		return "[file]"
	case decode.KindLink:
		if m.Link != nil {
			return fmt.Sprintf("[link] %s %s", flatten(m.Link.Title), m.Link.URL)
		}
		return "[link]"
	case decode.KindMiniProgram:
		if m.MiniProgram != nil {
			return fmt.Sprintf("[miniprogram] %s %s", flatten(m.MiniProgram.AppName), flatten(m.MiniProgram.Title))
		}
		return "[miniprogram]"
	case decode.KindLocation:
		if m.Location != nil {
			return fmt.Sprintf("[location] %s (%.5f, %.5f)", flatten(locationLabel(m.Location)),
				m.Location.Latitude, m.Location.Longitude)
		}
		return "[location]"
	case decode.KindCard:
		if m.Card != nil {
			return fmt.Sprintf("[contact card] %s", flatten(m.Card.Nickname))
		}
		return "[contact card]"
	case decode.KindTransfer:
		if m.Transfer != nil {
			return strings.TrimSpace(fmt.Sprintf("[transfer] %s %s", m.Transfer.Amount, flatten(m.Transfer.Memo)))
		}
		return "[transfer]"
	case decode.KindCall:
		if m.Call != nil && m.Call.DisplayText != "" {
			return fmt.Sprintf("[call] %s", flatten(m.Call.DisplayText))
		}
		return "[call]"
	case decode.KindSystemNotice:
		return flatten(m.Text)
	case decode.KindQuote:
		return v.quoteLine(i, m)
	case decode.KindMergedForward:
		if m.Forward != nil {
			return fmt.Sprintf("[forward] %s (%d items)", flatten(m.Forward.Title), len(m.Forward.Items))
		}
		return "[forward]"
	default:
		if m.Text != "" {
			return fmt.Sprintf("[unsupported type %d] %s", m.RawType, flatten(m.Text))
		}
		return fmt.Sprintf("[unsupported type %d]", m.RawType)
	}
}

func (v *SessionView) quoteLine(i int, m decode.Message) string {
	reply := flatten(m.Text)
	q := m.Quote
	if q == nil {
		return reply
	}
	if target, ok := v.Graph.QuoteTarget(i); ok {
		ref := v.Graph.Messages[target]
		return fmt.Sprintf("%s [re %s: %s]", reply, v.SenderName(ref), excerpt(v.line(target, ref)))
	}
	if q.QuotedText != "" {
		return fmt.Sprintf("%s [re %s: %s]", reply, q.QuotedSender, excerpt(flatten(q.QuotedText)))
	}
	return reply + " [re: unavailable]"
}

// ref is the stable textual reference column for tabular formats:
// the media path, quote anchor or link target.
func (v *SessionView) ref(i int, m decode.Message) string {
	if p, ok := v.MediaPath(m.Key); ok {
		return p
	}
	switch {
	case m.Kind == decode.KindQuote && m.Quote != nil && m.Quote.QuotedKey != 0:
		if _, ok := v.Graph.QuoteTarget(i); ok {
			return "#" + anchorID(m.Quote.QuotedKey)
		}
		return "unavailable"
	case m.Kind == decode.KindLink && m.Link != nil:
		return m.Link.URL
	case m.Kind == decode.KindMiniProgram && m.MiniProgram != nil:
		return m.MiniProgram.URL
	case m.Kind == decode.KindSticker && m.Sticker != nil:
		return m.Sticker.URL
	}
	return ""
}

func (v *SessionView) mediaOrMissing(key int64) string {
	if p, ok := v.MediaPath(key); ok {
		return p
	}
	return "unavailable"
}

func locationLabel(l *decode.LocationPayload) string {
	if l.POIName != "" {
		return l.POIName
	}
	return l.Label
}

func bracket(kind, detail string) string {
	kind = strings.TrimSpace(kind)
	if detail == "" {
		return "[" + kind + "]"
	}
	return "[" + kind + " " + detail + "]"
}

func flatten(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

const excerptMax = 60

func excerpt(s string) string {
	r := []rune(s)
	if len(r) <= excerptMax {
		return s
	}
	return string(r[:excerptMax]) + "..."
}
