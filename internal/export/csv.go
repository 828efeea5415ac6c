package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// csvRenderer writes one row per message. Rich structure flattens to
// the content column plus a stable reference column (media path,
// quote anchor or link target).
type csvRenderer struct{}

func (csvRenderer) Ext() string { return "csv" }

var csvHeader = []string{"key", "time", "sender_id", "sender", "direction", "kind", "content", "ref"}

func (csvRenderer) Render(ctx context.Context, w io.Writer, view *SessionView) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("export: render csv: %w", err)
	}
	for i, m := range view.Messages() {
		if err := ctx.Err(); err != nil {
			return err
		}
		direction := "in"
		if m.Outgoing {
			direction = "out"
		}
		row := []string{
			strconv.FormatInt(m.Key, 10),
			stamp(m.Time),
			m.Sender,
			view.SenderName(m),
			direction,
			m.Kind.String(),
			view.line(i, m),
			view.ref(i, m),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export: render csv: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: render csv: %w", err)
	}
	return nil
}
