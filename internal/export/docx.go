package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/wxvault/wxvault/internal/decode"
)

// docxRenderer writes a minimal WordprocessingML package: content
// types, package relationships and one document part. Media is
// referenced by its exported path rather than embedded, which keeps
// the package small and the bytes reproducible.
type docxRenderer struct{}

func (docxRenderer) Ext() string { return "docx" }

// Zip entries carry modification times. A fixed stamp keeps repeated
// exports byte-identical.
var docxEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

const docxContentTypes = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"><Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/><Default Extension="xml" ContentType="application/xml"/><Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/></Types>
`

const docxRels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"><Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/></Relationships>
`

func (docxRenderer) Render(ctx context.Context, w io.Writer, view *SessionView) error {
	doc, err := documentXML(ctx, view)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(w)
	parts := []struct{ name, content string }{
		{"[Content_Types].xml", docxContentTypes},
		{"_rels/.rels", docxRels},
		{"word/document.xml", doc},
	}
	for _, part := range parts {
		f, err := zw.CreateHeader(&zip.FileHeader{
			Name:     part.name,
			Method:   zip.Deflate,
			Modified: docxEpoch,
		})
		if err != nil {
			return fmt.Errorf("export: render docx: %w", err)
		}
		if _, err := io.WriteString(f, part.content); err != nil {
			return fmt.Errorf("export: render docx: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("export: render docx: %w", err)
	}
	return nil
}

type docxRun struct {
	Text  string
	Bold  bool
	Color string // RRGGBB
	Size  int    // half-points, 0 for default
}

func documentXML(ctx context.Context, view *SessionView) (string, error) {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n")
	b.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)

	writeDocxPara(&b, docxRun{Text: view.Title, Bold: true, Size: 32})
	writeDocxPara(&b, docxRun{Text: fmt.Sprintf("%d messages", len(view.Messages())), Color: "808080", Size: 18})

	for i, m := range view.Messages() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		head := view.SenderName(m)
		if s := stamp(m.Time); s != "" {
			head += "  " + s
		}
		writeDocxPara(&b, docxRun{Text: head, Bold: true, Color: "4F7A4F", Size: 18})
		for _, line := range docxBodyLines(view, i, m) {
			writeDocxPara(&b, docxRun{Text: line})
		}
	}

	b.WriteString(`</w:body></w:document>`)
	return b.String(), nil
}

// docxBodyLines flattens one message into document paragraphs.
func docxBodyLines(view *SessionView, i int, m decode.Message) []string {
	switch m.Kind {
	case decode.KindText:
		return strings.Split(strings.ReplaceAll(m.Text, "\r\n", "\n"), "\n")
	case decode.KindQuote:
		lines := []string{m.Text}
		if quoted := docxQuoteLine(view, i, m); quoted != "" {
			lines = append(lines, "    | "+quoted)
		}
		return lines
	case decode.KindMergedForward:
		lines := []string{view.line(i, m)}
		if m.Forward != nil {
			var buf bytes.Buffer
			writeForwardText(&buf, m.Forward, m.Forward.Roots, 1)
			for _, l := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
				if l != "" {
					lines = append(lines, l)
				}
			}
		}
		return lines
	default:
		return []string{view.line(i, m)}
	}
}

func docxQuoteLine(view *SessionView, i int, m decode.Message) string {
	if target, ok := view.Graph.QuoteTarget(i); ok {
		ref := view.Graph.Messages[target]
		return fmt.Sprintf("%s: %s", view.SenderName(ref), excerpt(view.line(target, ref)))
	}
	if q := m.Quote; q != nil && q.QuotedText != "" {
		return fmt.Sprintf("%s: %s (unavailable)", q.QuotedSender, excerpt(flatten(q.QuotedText)))
	}
	return "quoted message unavailable"
}

func writeDocxPara(b *strings.Builder, runs ...docxRun) {
	b.WriteString("<w:p>")
	for _, r := range runs {
		b.WriteString("<w:r>")
		if r.Bold || r.Color != "" || r.Size > 0 {
			b.WriteString("<w:rPr>")
			if r.Bold {
				b.WriteString("<w:b/>")
			}
			if r.Color != "" {
				fmt.Fprintf(b, `<w:color w:val="%s"/>`, r.Color)
			}
			if r.Size > 0 {
				fmt.Fprintf(b, `<w:sz w:val="%d"/>`, r.Size)
			}
			b.WriteString("</w:rPr>")
		}
		b.WriteString(`<w:t xml:space="preserve">`)
		b.WriteString(xmlEscape(r.Text))
		b.WriteString("</w:t></w:r>")
	}
	b.WriteString("</w:p>")
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
