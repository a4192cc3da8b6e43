// Package preview assembles a self-contained page from a webreview host: it
// fetches the project's index.html, pulls every relatively-referenced asset
// over the peer session, and inlines them as data URIs so the result renders
// from a single document.
package preview

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/peerdrive/peerdrive/internal/logging"
	"github.com/peerdrive/peerdrive/internal/protocol"
)

// defaultConcurrency bounds how many asset fetches run at once.
const defaultConcurrency = 8

// Fetcher retrieves one hosted asset by its slash-joined path relative to the
// project root. clientsvc.Engine satisfies it.
type Fetcher interface {
	FetchPreviewFile(ctx context.Context, path string) ([]byte, error)
}

// Resolver renders a hosted project into one self-contained HTML document.
type Resolver struct {
	fetcher     Fetcher
	log         logging.Logger
	concurrency int
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithConcurrency overrides the asset fetch parallelism.
func WithConcurrency(n int) Option {
	return func(r *Resolver) { r.concurrency = n }
}

// New builds a Resolver on top of fetcher.
func New(fetcher Fetcher, log logging.Logger, opts ...Option) *Resolver {
	if log == nil {
		log = logging.NewNop()
	}
	r := &Resolver{fetcher: fetcher, log: log, concurrency: defaultConcurrency}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ref is one rewritable asset reference inside the parsed document.
type ref struct {
	node    *html.Node
	attrIdx int
	path    string
}

// Render fetches index.html and every relative asset it references, inlines
// the assets, and returns the reassembled document. A missing index is fatal;
// a missing asset is logged and its reference left untouched.
func (r *Resolver) Render(ctx context.Context) ([]byte, error) {
	index, err := r.fetcher.FetchPreviewFile(ctx, "index.html")
	if err != nil {
		return nil, fmt.Errorf("fetch index.html: %w", err)
	}

	doc, err := html.Parse(bytes.NewReader(index))
	if err != nil {
		return nil, fmt.Errorf("parse index.html: %w", err)
	}

	refs := collectRefs(doc)
	bodies := make([][]byte, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, rf := range refs {
		g.Go(func() error {
			data, err := r.fetcher.FetchPreviewFile(gctx, rf.path)
			if err != nil {
				// Leave the reference as-is; the page still renders.
				r.log.Warn(gctx, "preview asset not inlined", "path", rf.path, "error", err)
				return nil
			}
			bodies[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, rf := range refs {
		if bodies[i] == nil {
			continue
		}
		rf.node.Attr[rf.attrIdx].Val = dataURI(rf.path, bodies[i])
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, fmt.Errorf("render preview: %w", err)
	}
	return buf.Bytes(), nil
}

// assetAttrs maps element names to the attribute that may reference an asset.
var assetAttrs = map[string]string{
	"link":   "href",
	"script": "src",
	"img":    "src",
	"source": "src",
	"audio":  "src",
	"video":  "src",
	"iframe": "src",
}

// collectRefs walks the document and gathers every relative asset reference.
func collectRefs(doc *html.Node) []ref {
	var refs []ref
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if attr, ok := assetAttrs[n.Data]; ok {
				for i, a := range n.Attr {
					if a.Key != attr {
						continue
					}
					if p, ok := assetPath(a.Val); ok {
						refs = append(refs, ref{node: n, attrIdx: i, path: p})
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return refs
}

// assetPath decides whether an attribute value points at a hosted asset and
// normalizes it into the host's slash-joined path form. External URLs,
// fragments and pseudo-schemes are left alone.
func assetPath(val string) (string, bool) {
	v := strings.TrimSpace(val)
	if v == "" {
		return "", false
	}
	lower := strings.ToLower(v)
	switch {
	case strings.HasPrefix(lower, "#"),
		strings.HasPrefix(lower, "//"),
		strings.HasPrefix(lower, "data:"),
		strings.HasPrefix(lower, "mailto:"),
		strings.HasPrefix(lower, "tel:"),
		strings.HasPrefix(lower, "javascript:"):
		return "", false
	}
	if strings.Contains(v, "://") {
		return "", false
	}

	// Queries and fragments do not reach the filesystem.
	if i := strings.IndexAny(v, "?#"); i >= 0 {
		v = v[:i]
	}
	v = strings.TrimPrefix(v, "./")
	v = strings.TrimPrefix(v, "/")

	segs, err := protocol.SplitPreviewPath(v)
	if err != nil {
		return "", false
	}
	return strings.Join(segs, "/"), true
}

// dataURI inlines data under the mime type implied by the path's extension.
func dataURI(p string, data []byte) string {
	mt := mime.TypeByExtension(path.Ext(p))
	if mt == "" {
		mt = "application/octet-stream"
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(data)
}
