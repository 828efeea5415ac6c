package export

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/wxvault/wxvault/internal/decode"
)

// htmlRenderer produces a standalone page with stable per-message
// anchors, working quote links and collapsible forward trees.
type htmlRenderer struct{}

func (htmlRenderer) Ext() string { return "html" }

func (htmlRenderer) Render(ctx context.Context, w io.Writer, view *SessionView) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := pageTmpl.Execute(w, htmlSession{view}); err != nil {
		return fmt.Errorf("export: render html: %w", err)
	}
	return nil
}

var pageTmpl = template.Must(template.New("page").Parse(pageHTML))

const pageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { margin: 0 auto; max-width: 46rem; padding: 1rem; font: 15px/1.45 system-ui, sans-serif; color: #1a1a1a; background: #f6f6f4; }
header { border-bottom: 1px solid #ddd; margin-bottom: 1rem; }
header h1 { font-size: 1.3rem; margin: 0.2rem 0; }
.meta { color: #777; font-size: 0.85rem; }
article.msg { background: #fff; border-radius: 8px; padding: 0.5rem 0.8rem; margin: 0.5rem 0; box-shadow: 0 1px 1px rgba(0,0,0,0.05); }
article.msg.out { background: #dcf3c8; }
.head { font-size: 0.8rem; color: #666; margin-bottom: 0.15rem; }
.head .sender { font-weight: 600; color: #3a6d3a; margin-right: 0.5rem; }
article.msg p { margin: 0.2rem 0; white-space: pre-wrap; overflow-wrap: anywhere; }
img.photo { max-width: 100%; border-radius: 4px; }
img.sticker { max-height: 8rem; }
video, audio { max-width: 100%; }
blockquote { margin: 0.3rem 0 0; padding: 0.2rem 0.6rem; border-left: 3px solid #bbb; color: #555; font-size: 0.85rem; }
blockquote a { color: inherit; text-decoration: none; }
blockquote a:hover { text-decoration: underline; }
.missing { color: #999; font-style: italic; }
.link { border: 1px solid #e2e2e2; border-radius: 6px; padding: 0.4rem 0.6rem; }
.link .source { color: #999; font-size: 0.8rem; }
details.forward { border: 1px solid #e2e2e2; border-radius: 6px; padding: 0.3rem 0.6rem; }
details.forward summary { cursor: pointer; font-weight: 600; }
details.forward ul { list-style: none; margin: 0.2rem 0; padding-left: 1rem; }
details.forward li { margin: 0.25rem 0; }
.fwd-head { color: #888; font-size: 0.8rem; margin-right: 0.4rem; }
:target { outline: 2px solid #76b852; }
</style>
</head>
<body>
<header>
<h1>{{.Title}}</h1>
<p class="meta">{{.Count}} messages</p>
</header>
<main>
{{- range $i, $m := .Messages}}
<article class="msg{{if $m.Outgoing}} out{{end}}" id="{{$.Anchor $m.Key}}">
<div class="head"><span class="sender">{{$.Name $m}}</span><time>{{$.Stamp $m.Time}}</time></div>
{{$.Body $i}}
</article>
{{- end}}
</main>
</body>
</html>
`

// htmlSession adapts a SessionView for the page template.
type htmlSession struct {
	*SessionView
}

func (p htmlSession) Count() int               { return len(p.Graph.Messages) }
func (p htmlSession) Anchor(key int64) string  { return anchorID(key) }
func (p htmlSession) Stamp(t time.Time) string { return stamp(t) }
func (p htmlSession) Name(m decode.Message) string {
	return p.SenderName(m)
}

// Body renders the kind-specific fragment for message i. Everything
// user-controlled passes through HTMLEscapeString; the fragment
// markup itself is ours.
func (p htmlSession) Body(i int) template.HTML {
	m := p.Graph.Messages[i]
	var b strings.Builder
	switch m.Kind {
	case decode.KindText:
		writePara(&b, "", m.Text)
	case decode.KindImage:
		p.writeImage(&b, m)
	case decode.KindVoice:
		p.writeVoice(&b, m)
	case decode.KindVideo:
		p.writeVideo(&b, m)
	case decode.KindSticker:
		p.writeSticker(&b, m)
	case decode.KindFile:
		p.writeFile(&b, m)
	case decode.KindLink:
		writeLinkCard(&b, m.Link)
	case decode.KindMiniProgram:
		writeMiniProgram(&b, m.MiniProgram)
	case decode.KindLocation:
		writeLocation(&b, m.Location)
	case decode.KindCard:
		writeContactCard(&b, m.Card)
	case decode.KindTransfer:
		writeTransfer(&b, m.Transfer)
	case decode.KindCall:
		writeCall(&b, m.Call)
	case decode.KindSystemNotice:
		writePara(&b, "system", m.Text)
	case decode.KindQuote:
		p.writeQuote(&b, i, m)
	case decode.KindMergedForward:
		writeForward(&b, m.Forward)
	default:
		text := fmt.Sprintf("unsupported message (type %d)", m.RawType)
		if m.Text != "" {
			text += ": " + m.Text
		}
		writePara(&b, "unsupported missing", text)
	}
	return template.HTML(b.String())
}

func esc(s string) string { return template.HTMLEscapeString(s) }

func writePara(b *strings.Builder, class, text string) {
	if class != "" {
		fmt.Fprintf(b, `<p class="%s">%s</p>`, class, esc(text))
		return
	}
	fmt.Fprintf(b, "<p>%s</p>", esc(text))
}

func (p htmlSession) writeImage(b *strings.Builder, m decode.Message) {
	path, ok := p.MediaPath(m.Key)
	if !ok {
		writePara(b, "missing", "image unavailable")
		return
	}
	fmt.Fprintf(b, `<a href="%s"><img class="photo" src="%s" alt="image" loading="lazy"></a>`,
		esc(path), esc(path))
}

func (p htmlSession) writeVoice(b *strings.Builder, m decode.Message) {
	label := "voice message"
	if m.Voice != nil && m.Voice.Duration > 0 {
		label = fmt.Sprintf("voice message (%s)", m.Voice.Duration.Round(time.Second))
	}
	path, ok := p.MediaPath(m.Key)
	if !ok {
		writePara(b, "missing", label+" unavailable")
		return
	}
	writePara(b, "", label)
	fmt.Fprintf(b, `<audio controls src="%s"></audio>`, esc(path))
}

func (p htmlSession) writeVideo(b *strings.Builder, m decode.Message) {
	path, ok := p.MediaPath(m.Key)
	if !ok {
		writePara(b, "missing", "video unavailable")
		return
	}
	fmt.Fprintf(b, `<video controls src="%s"></video>`, esc(path))
}

func (p htmlSession) writeSticker(b *strings.Builder, m decode.Message) {
	if path, ok := p.MediaPath(m.Key); ok {
		fmt.Fprintf(b, `<img class="sticker" src="%s" alt="sticker">`, esc(path))
		return
	}
	if m.Sticker != nil && m.Sticker.URL != "" {
		fmt.Fprintf(b, `<img class="sticker" src="%s" alt="sticker">`, esc(m.Sticker.URL))
		return
	}
	writePara(b, "missing", "sticker unavailable")
}

func (p htmlSession) writeFile(b *strings.Builder, m decode.Message) {
	f := m.File
	if f == nil {
		writePara(b, "missing", "file unavailable")
		return
	}
	label := f.Name
	if size := humanSize(f.Size); size != "" {
		label += " (" + size + ")"
	}
	if path, ok := p.MediaPath(m.Key); ok {
		fmt.Fprintf(b, `<p class="file"><a href="%s">%s</a></p>`, esc(path), esc(label))
		return
	}
	writePara(b, "file missing", label+", file unavailable")
}

func writeLinkCard(b *strings.Builder, l *decode.LinkPayload) {
	if l == nil {
		writePara(b, "missing", "link unavailable")
		return
	}
	b.WriteString(`<div class="link">`)
	if l.URL != "" {
		fmt.Fprintf(b, `<a href="%s">%s</a>`, esc(l.URL), esc(l.Title))
	} else {
		fmt.Fprintf(b, "<span>%s</span>", esc(l.Title))
	}
	if l.Description != "" {
		fmt.Fprintf(b, "<p>%s</p>", esc(l.Description))
	}
	if l.Source != "" {
		fmt.Fprintf(b, `<span class="source">%s</span>`, esc(l.Source))
	}
	b.WriteString("</div>")
}

func writeMiniProgram(b *strings.Builder, mp *decode.MiniProgramPayload) {
	if mp == nil {
		writePara(b, "missing", "mini-program unavailable")
		return
	}
	b.WriteString(`<div class="link">`)
	title := mp.Title
	if title == "" {
		title = mp.AppName
	}
	if mp.URL != "" {
		fmt.Fprintf(b, `<a href="%s">%s</a>`, esc(mp.URL), esc(title))
	} else {
		fmt.Fprintf(b, "<span>%s</span>", esc(title))
	}
	fmt.Fprintf(b, `<span class="source">mini-program %s</span>`, esc(mp.AppName))
	b.WriteString("</div>")
}

func writeLocation(b *strings.Builder, l *decode.LocationPayload) {
	if l == nil {
		writePara(b, "missing", "location unavailable")
		return
	}
	writePara(b, "", fmt.Sprintf("location: %s (%.5f, %.5f)", locationLabel(l), l.Latitude, l.Longitude))
}

func writeContactCard(b *strings.Builder, c *decode.CardPayload) {
	if c == nil {
		writePara(b, "missing", "contact card unavailable")
		return
	}
	place := strings.TrimSpace(c.Province + " " + c.City)
	text := "contact card: " + c.Nickname
	if place != "" {
		text += " (" + place + ")"
	}
	writePara(b, "", text)
}

func writeTransfer(b *strings.Builder, t *decode.TransferPayload) {
	if t == nil {
		writePara(b, "missing", "transfer unavailable")
		return
	}
	text := "transfer " + t.Amount
	if t.Memo != "" {
		text += ": " + t.Memo
	}
	writePara(b, "", text)
}

func writeCall(b *strings.Builder, c *decode.CallPayload) {
	if c == nil {
		writePara(b, "missing", "call record unavailable")
		return
	}
	kind := "voice call"
	if c.Video {
		kind = "video call"
	}
	text := kind
	if c.DisplayText != "" {
		text += ": " + c.DisplayText
	}
	writePara(b, "", text)
}

// writeQuote renders the reply text and a back-reference. When the
// quoted message is part of the graph the reference is a working
// anchor link; otherwise the text recorded at send time stands in,
// marked unavailable.
func (p htmlSession) writeQuote(b *strings.Builder, i int, m decode.Message) {
	writePara(b, "", m.Text)
	q := m.Quote
	if q == nil {
		return
	}
	if target, ok := p.Graph.QuoteTarget(i); ok {
		ref := p.Graph.Messages[target]
		fmt.Fprintf(b, `<blockquote><a href="#%s">%s: %s</a></blockquote>`,
			anchorID(ref.Key), esc(p.SenderName(ref)), esc(excerpt(p.line(target, ref))))
		return
	}
	if q.QuotedText != "" {
		fmt.Fprintf(b, `<blockquote class="missing">%s: %s (unavailable)</blockquote>`,
			esc(q.QuotedSender), esc(excerpt(flatten(q.QuotedText))))
		return
	}
	b.WriteString(`<blockquote class="missing">quoted message unavailable</blockquote>`)
}

func writeForward(b *strings.Builder, f *decode.ForwardPayload) {
	if f == nil {
		writePara(b, "missing", "forwarded history unavailable")
		return
	}
	fmt.Fprintf(b, `<details class="forward"><summary>%s (%d items)</summary>`,
		esc(f.Title), len(f.Items))
	writeForwardItems(b, f, f.Roots)
	b.WriteString("</details>")
}

func writeForwardItems(b *strings.Builder, f *decode.ForwardPayload, ids []int) {
	b.WriteString("<ul>")
	for _, idx := range ids {
		it := f.Items[idx]
		b.WriteString("<li>")
		head := fmt.Sprintf(`<span class="fwd-head">%s %s</span>`, esc(it.Sender), stamp(it.Time))
		if it.Kind == decode.KindMergedForward && len(it.Children) > 0 {
			fmt.Fprintf(b, "<details><summary>%s%s</summary>", head, esc(it.Text))
			writeForwardItems(b, f, it.Children)
			b.WriteString("</details>")
		} else {
			b.WriteString(head)
			b.WriteString(forwardItemHTML(it))
		}
		b.WriteString("</li>")
	}
	b.WriteString("</ul>")
}

func forwardItemHTML(it decode.ForwardItem) string {
	switch it.Kind {
	case decode.KindText:
		return esc(it.Text)
	case decode.KindImage:
		return `<span class="missing">[image]</span>`
	case decode.KindVideo:
		return `<span class="missing">[video]</span>`
	case decode.KindFile:
		return esc(it.Text) + ` <span class="missing">[file]</span>`
	case decode.KindLink, decode.KindMiniProgram:
		if it.URL != "" {
			return fmt.Sprintf(`<a href="%s">%s</a>`, esc(it.URL), esc(it.Text))
		}
		return esc(it.Text)
	default:
		if it.Text != "" {
			return esc(it.Text)
		}
		return `<span class="missing">[unsupported]</span>`
	}
}
