// Package httpcarrier adapts request/response HTTP to duplex.Pipeline:
// each call is exactly one POST whose body is the framed CALL record,
// answered by a response whose body is every framed record the
// dispatch produced (spec.md §4.1's "one request, one response, framed
// the same way" carrier). Because an HTTP response has no notion of
// "more messages later", this adapter forces Sequential dispatch on
// the server side and never allows server-initiated calls back into
// the client: only the WebSocket adapter is fully duplex.
//
// Routing is built with github.com/go-chi/chi/v5, grounded on
// marmos91-dittofs/go.mod's use of chi for the same request/response
// shape this spec's HTTP surface needs.
package httpcarrier

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/roadrunner-server/errors"

	"github.com/yuanliwei/birpc/duplex"
	"github.com/yuanliwei/birpc/server"
)

// bufferWriter accumulates every chunk a single request's dispatch
// emits; since Sequential dispatch never emits after the Procedure
// returns (per server.Engine.dispatch's single emit-then-return), one
// request body maps to exactly the bytes collected here.
type bufferWriter struct {
	buf bytes.Buffer
}

func (w *bufferWriter) WriteChunk(_ context.Context, chunk []byte) error {
	w.buf.Write(chunk)
	return nil
}

// ServerConfig configures the HTTP server adapter.
type ServerConfig struct {
	Extension server.Extension
	Logger    server.Logger
	RPCKey    string
}

// Mount registers the RPC POST endpoint at path on r.
func (c *ServerConfig) Mount(r chi.Router, path string) {
	r.Post(path, c.Handler())
}

// Handler returns an http.HandlerFunc that decodes the request body as
// one framed chunk, dispatches it sequentially against Extension, and
// writes every emitted frame back as the response body.
func (c *ServerConfig) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = errors.Op("httpcarrier_handle")

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		out := &bufferWriter{}
		p, err := duplex.New(duplex.Config{
			Extension:    c.Extension,
			DispatchMode: server.Sequential,
			Logger:       c.Logger,
			EnableClient: false,
			RPCKey:       c.RPCKey,
			IsInitiator:  false,
		}, out)
		if err != nil {
			http.Error(w, errors.E(op, err).Error(), http.StatusInternalServerError)
			return
		}

		if err := p.Push(r.Context(), body); err != nil {
			http.Error(w, errors.E(op, err).Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out.buf.Bytes())
	}
}

// Client is the HTTP client adapter: it turns outbound chunks into
// POST requests and feeds each response body back into the pipeline's
// decoder, re-running the frame codec's decode pass over whatever
// boundaries the HTTP round trip happened to deliver (spec.md §4.1).
// The decoder already tolerates arbitrary refragmentation, so no
// special-casing is needed beyond pushing the raw body through it.
type Client struct {
	URL        string
	HTTPClient *http.Client
	Pipeline   *duplex.Pipeline
}

// NewClient builds an HTTP client adapter bound to url. Call Bind with
// the constructed Pipeline before invoking any procedure.
func NewClient(url string) *Client {
	return &Client{URL: url, HTTPClient: http.DefaultClient}
}

// Bind attaches the pipeline this carrier feeds responses into. Call
// this once, right after duplex.New, before the pipeline's client
// engine issues any call.
func (c *Client) Bind(p *duplex.Pipeline) { c.Pipeline = p }

// WriteChunk implements duplex.Writer: POST chunk, then push the
// response body back into the bound pipeline.
func (c *Client) WriteChunk(ctx context.Context, chunk []byte) error {
	const op = errors.Op("httpcarrier_write")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(chunk))
	if err != nil {
		return errors.E(op, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return errors.E(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.E(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.E(op, errors.Str("http carrier: non-200 response: "+resp.Status))
	}
	if len(body) == 0 {
		return nil
	}

	return c.Pipeline.Push(ctx, body)
}
