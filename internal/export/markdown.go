package export

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/wxvault/wxvault/internal/decode"
)

// markdownRenderer writes a transcript with bold senders, image
// embeds and blockquoted replies.
type markdownRenderer struct{}

func (markdownRenderer) Ext() string { return "md" }

func (markdownRenderer) Render(ctx context.Context, w io.Writer, view *SessionView) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# %s\n\n", mdEscape(view.Title))

	var lastDay string
	for i, m := range view.Messages() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if day := m.Time.UTC().Format("2006-01-02"); day != lastDay && !m.Time.IsZero() {
			fmt.Fprintf(bw, "## %s\n\n", day)
			lastDay = day
		}
		fmt.Fprintf(bw, "**%s** `%s`\n\n", mdEscape(view.SenderName(m)), stamp(m.Time))
		writeMarkdownBody(bw, view, i, m)
		io.WriteString(bw, "\n")
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("export: render markdown: %w", err)
	}
	return nil
}

func writeMarkdownBody(w io.Writer, view *SessionView, i int, m decode.Message) {
	switch m.Kind {
	case decode.KindText:
		fmt.Fprintf(w, "%s\n", m.Text)
	case decode.KindImage:
		if path, ok := view.MediaPath(m.Key); ok {
			fmt.Fprintf(w, "![image](%s)\n", path)
		} else {
			io.WriteString(w, "*image unavailable*\n")
		}
	case decode.KindLink:
		if m.Link != nil && m.Link.URL != "" {
			fmt.Fprintf(w, "[%s](%s)\n", mdEscape(m.Link.Title), m.Link.URL)
		} else {
			fmt.Fprintf(w, "%s\n", view.line(i, m))
		}
	case decode.KindQuote:
		fmt.Fprintf(w, "%s\n", m.Text)
		if quoted := markdownQuote(view, i, m); quoted != "" {
			fmt.Fprintf(w, "\n> %s\n", quoted)
		}
	case decode.KindMergedForward:
		fmt.Fprintf(w, "%s\n", view.line(i, m))
		if m.Forward != nil {
			io.WriteString(w, "\n")
			writeForwardText(w, m.Forward, m.Forward.Roots, 0)
		}
	default:
		fmt.Fprintf(w, "%s\n", view.line(i, m))
	}
}

func markdownQuote(view *SessionView, i int, m decode.Message) string {
	if target, ok := view.Graph.QuoteTarget(i); ok {
		ref := view.Graph.Messages[target]
		return fmt.Sprintf("%s: %s", mdEscape(view.SenderName(ref)), excerpt(view.line(target, ref)))
	}
	if q := m.Quote; q != nil && q.QuotedText != "" {
		return fmt.Sprintf("%s: %s *(unavailable)*", mdEscape(q.QuotedSender), excerpt(flatten(q.QuotedText)))
	}
	return "*quoted message unavailable*"
}

var mdEscaper = strings.NewReplacer(
	"*", `\*`,
	"_", `\_`,
	"[", `\[`,
	"]", `\]`,
	"#", `\#`,
	"`", "'",
)

func mdEscape(s string) string {
	return mdEscaper.Replace(s)
}
