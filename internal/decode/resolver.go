package decode

import (
	"errors"
	"fmt"
	"iter"
	"log"
	"strings"

	"github.com/wxvault/wxvault/internal/mediafile"
	"github.com/wxvault/wxvault/internal/schema"
)

// Graph is one conversation's decoded messages with their quote links
// resolved. Links are computed from the message keys alone, so
// rebuilding a graph from the same slice yields the same links.
type Graph struct {
	Messages []Message

	byKey       map[int64]int
	quoteTarget map[int]int
}

// NewGraph indexes the messages and links every quote whose target is
// present in the slice. Quotes pointing outside the slice stay
// unlinked; renderers fall back to the text recorded at send time.
func NewGraph(msgs []Message) *Graph {
	g := &Graph{
		Messages:    msgs,
		byKey:       make(map[int64]int, len(msgs)),
		quoteTarget: make(map[int]int),
	}
	for i := range msgs {
		key := msgs[i].Key
		if _, ok := g.byKey[key]; !ok {
			g.byKey[key] = i
		}
	}
	for i := range msgs {
		q := msgs[i].Quote
		if q == nil || q.QuotedKey == 0 {
			continue
		}
		if target, ok := g.byKey[q.QuotedKey]; ok && target != i {
			g.quoteTarget[i] = target
		}
	}
	return g
}

// Lookup returns the index of the message with the given key.
func (g *Graph) Lookup(key int64) (int, bool) {
	i, ok := g.byKey[key]
	return i, ok
}

// QuoteTarget returns the index of the message quoted by message i,
// if that message is part of the graph.
func (g *Graph) QuoteTarget(i int) (int, bool) {
	target, ok := g.quoteTarget[i]
	return target, ok
}

// Resolver turns media references into on-disk blobs. It consults the
// store's media index first and falls back to the path hints decoded
// from message sidecars.
type Resolver struct {
	locator *mediafile.Locator
	index   map[string]schema.MediaRow
	logger  *log.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger routes resolution diagnostics to the given logger.
func WithResolverLogger(logger *log.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// NewResolver builds a resolver over the given media index. A nil
// locator is allowed and makes every lookup report missing media, for
// exports run without access to the account's data directory.
func NewResolver(locator *mediafile.Locator, media iter.Seq2[schema.MediaRow, error], opts ...ResolverOption) (*Resolver, error) {
	r := &Resolver{
		locator: locator,
		index:   make(map[string]schema.MediaRow),
	}
	for _, opt := range opts {
		opt(r)
	}
	if media != nil {
		for row, err := range media {
			if err != nil {
				return nil, fmt.Errorf("decode: load media index: %w", err)
			}
			key := strings.ToLower(row.MD5)
			if _, ok := r.index[key]; !ok {
				r.index[key] = row
			}
		}
	}
	return r, nil
}

// IndexSize reports how many media records the resolver knows about.
func (r *Resolver) IndexSize() int {
	return len(r.index)
}

// OpenMedia opens the blob a reference points at. The index entry for
// the reference's MD5 wins; a stale index entry whose file is gone
// falls through to the sidecar path hint. Missing media surfaces as
// mediafile.ErrMediaMissing so callers can render a placeholder.
func (r *Resolver) OpenMedia(ref MediaRef) (*mediafile.Blob, error) {
	if r.locator == nil {
		return nil, fmt.Errorf("%w: no media directory configured", mediafile.ErrMediaMissing)
	}
	if ref.MD5 != "" {
		if row, ok := r.index[strings.ToLower(ref.MD5)]; ok {
			blob, err := r.locator.Open(row)
			if err == nil || !errors.Is(err, mediafile.ErrMediaMissing) {
				return blob, err
			}
			logf(r.logger, "decode: media %s not at indexed location, trying hint", ref.MD5)
		}
	}
	if ref.Path != "" {
		return r.locator.OpenPath(ref.Path)
	}
	return nil, fmt.Errorf("%w: no usable reference", mediafile.ErrMediaMissing)
}

// OpenThumb opens the thumbnail a reference carries, when it has one.
func (r *Resolver) OpenThumb(ref MediaRef) (*mediafile.Blob, error) {
	if r.locator == nil || ref.Thumb == "" {
		return nil, fmt.Errorf("%w: no thumbnail reference", mediafile.ErrMediaMissing)
	}
	return r.locator.OpenPath(ref.Thumb)
}
