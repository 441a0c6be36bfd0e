package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/edge-guard/internal/cache"
)

// humaContext lets capture embed huma.Context without a field named Context
// shadowing the interface's Context method.
type humaContext = huma.Context

var _ huma.Context = (*capture)(nil)

// capture buffers the response written by the rest of the chain so it can be
// stored or replayed. The request body and path parameters are read up front,
// which keeps them usable by a handler that outlives the original request.
type capture struct {
	humaContext

	body   []byte
	params map[string]string
	status int
	header http.Header
	out    bytes.Buffer
}

func newCapture(ctx huma.Context) (*capture, error) {
	c := &capture{
		humaContext: ctx,
		params:  map[string]string{},
		header:  http.Header{},
	}

	if r := ctx.BodyReader(); r != nil {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}

		c.body = body
	}

	if op := ctx.Operation(); op != nil {
		for _, name := range pathParams(op.Path) {
			c.params[name] = ctx.Param(name)
		}
	}

	return c, nil
}

// detach makes the capture report ctx as its request context.
func (c *capture) detach(ctx context.Context) {
	c.humaContext = huma.WithContext(c.humaContext, ctx)
}

func (c *capture) Param(name string) string {
	if v, ok := c.params[name]; ok {
		return v
	}

	return c.humaContext.Param(name)
}

func (c *capture) BodyReader() io.Reader             { return bytes.NewReader(c.body) }
func (c *capture) SetReadDeadline(_ time.Time) error { return nil }
func (c *capture) SetStatus(code int)                { c.status = code }
func (c *capture) Status() int                       { return c.status }
func (c *capture) SetHeader(name, value string)      { c.header.Set(name, value) }
func (c *capture) AppendHeader(name, value string)   { c.header.Add(name, value) }
func (c *capture) BodyWriter() io.Writer             { return &c.out }

func (c *capture) payload() cache.Payload {
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}

	return cache.Payload{
		Status: status,
		Header: c.header.Clone(),
		Body:   bytes.Clone(c.out.Bytes()),
	}
}

// pathParams returns the parameter names of a route template such as
// "/orders/{id}".
func pathParams(template string) []string {
	var names []string

	for {
		start := strings.IndexByte(template, '{')
		if start < 0 {
			return names
		}

		end := strings.IndexByte(template[start:], '}')
		if end < 0 {
			return names
		}

		name := template[start+1 : start+end]
		if i := strings.IndexByte(name, ':'); i >= 0 {
			name = name[:i]
		}

		names = append(names, strings.TrimSuffix(name, "..."))
		template = template[start+end+1:]
	}
}

// writePayload writes p to ctx, adding extra headers. The body is skipped for
// HEAD requests and 304 responses.
func writePayload(ctx huma.Context, p cache.Payload, extra http.Header) {
	for _, h := range []http.Header{p.Header, extra} {
		for name, values := range h {
			for i, v := range values {
				if i == 0 {
					ctx.SetHeader(name, v)
				} else {
					ctx.AppendHeader(name, v)
				}
			}
		}
	}

	ctx.SetStatus(p.Status)

	if ctx.Method() == http.MethodHead || p.Status == http.StatusNotModified || len(p.Body) == 0 {
		return
	}

	_, _ = ctx.BodyWriter().Write(p.Body)
}
