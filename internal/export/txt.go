package export

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/wxvault/wxvault/internal/decode"
)

// txtRenderer writes a readable transcript. Forward bundles expand
// into an indented tree so nesting survives the flat format.
type txtRenderer struct{}

func (txtRenderer) Ext() string { return "txt" }

func (txtRenderer) Render(ctx context.Context, w io.Writer, view *SessionView) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "=== %s (%d messages) ===\n\n", view.Title, len(view.Messages()))

	for i, m := range view.Messages() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Fprintf(bw, "[%s] %s: %s\n", stamp(m.Time), view.SenderName(m), view.line(i, m))
		if m.Kind == decode.KindMergedForward && m.Forward != nil {
			writeForwardText(bw, m.Forward, m.Forward.Roots, 1)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("export: render txt: %w", err)
	}
	return nil
}

func writeForwardText(w io.Writer, f *decode.ForwardPayload, ids []int, depth int) {
	indent := strings.Repeat("    ", depth)
	for _, idx := range ids {
		it := f.Items[idx]
		fmt.Fprintf(w, "%s- %s (%s): %s\n", indent, it.Sender, stamp(it.Time), forwardItemText(it))
		if len(it.Children) > 0 {
			writeForwardText(w, f, it.Children, depth+1)
		}
	}
}

func forwardItemText(it decode.ForwardItem) string {
	switch it.Kind {
	case decode.KindText:
		return flatten(it.Text)
	case decode.KindImage:
		return "[image]"
	case decode.KindVideo:
		return "[video]"
	case decode.KindFile:
		return bracket("file "+flatten(it.Text), "")
	case decode.KindLink, decode.KindMiniProgram:
		if it.URL != "" {
			return fmt.Sprintf("%s %s", flatten(it.Text), it.URL)
		}
		return flatten(it.Text)
	case decode.KindMergedForward:
		return bracket("forward", flatten(it.Text))
	default:
		if it.Text != "" {
			return flatten(it.Text)
		}
		return "[unsupported]"
	}
}
