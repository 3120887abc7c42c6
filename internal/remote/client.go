package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client talks to a document store server over HTTP, with subscriptions
// carried on a WebSocket per stream.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: u, http: httpClient, dialer: websocket.DefaultDialer, logger: logger}, nil
}

// Host returns host:port of the server, suitable for reachability probes.
func (c *Client) Host() string {
	if c.base.Port() != "" {
		return c.base.Host
	}
	if c.base.Scheme == "https" {
		return c.base.Host + ":443"
	}
	return c.base.Host + ":80"
}

// Query runs q against collection.
func (c *Client) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	body, err := marshalBody(queryRequest{Collection: collection, Query: encodeQuery(q)})
	if err != nil {
		return nil, err
	}
	var resp queryResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint("/v1/query", nil), body, &resp); err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	docs := make([]Document, len(resp.Documents))
	for i, d := range resp.Documents {
		docs[i] = decodeDocument(d)
	}
	return docs, nil
}

// Upsert writes fields to docPath.
func (c *Client) Upsert(ctx context.Context, docPath string, fields map[string]any, opts UpsertOptions) error {
	body, err := marshalBody(upsertRequest{Fields: encodeFields(fields)})
	if err != nil {
		return err
	}
	q := url.Values{"merge": {strconv.FormatBool(opts.Merge)}}
	if err := c.do(ctx, http.MethodPut, c.endpoint("/v1/documents/"+docPath, q), body, nil); err != nil {
		return fmt.Errorf("upsert %s: %w", docPath, err)
	}
	return nil
}

// Subscribe opens a WebSocket stream of changes to collection.
func (c *Client) Subscribe(ctx context.Context, collection string, q Query) (Stream, error) {
	u := c.endpoint("/v1/listen", nil)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("listen %s: %w", collection, statusError(resp.StatusCode, resp.Status))
		}
		return nil, fmt.Errorf("listen %s: %w: %v", collection, ErrUnavailable, err)
	}
	if err := conn.WriteJSON(queryRequest{Collection: collection, Query: encodeQuery(q)}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("listen %s: %w: %v", collection, ErrUnavailable, err)
	}

	s := &wsStream{conn: conn, out: make(chan Change, 64), done: make(chan struct{})}
	go s.read(c.logger.With(zap.String("collection", collection)))
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (c *Client) endpoint(p string, q url.Values) *url.URL {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + p
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return &u
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var e errorResponse
		_ = decodeJSON(resp.Body, &e)
		return statusError(resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	if err := decodeJSON(resp.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(code int, msg string) error {
	var base error
	switch {
	case code == http.StatusNotFound:
		base = ErrNotFound
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		base = ErrPermissionDenied
	case code == http.StatusBadRequest:
		base = ErrInvalidArgument
	default:
		base = ErrUnavailable
	}
	if msg == "" {
		return fmt.Errorf("%w (http %d)", base, code)
	}
	return fmt.Errorf("%w (http %d): %s", base, code, msg)
}

type wsStream struct {
	conn *websocket.Conn
	out  chan Change
	done chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

func (s *wsStream) read(logger *zap.Logger) {
	defer close(s.out)
	for {
		var frame listenFrame
		_, r, err := s.conn.NextReader()
		if err == nil {
			err = decodeJSON(r, &frame)
		}
		if err != nil {
			select {
			case <-s.done:
			default:
				logger.Debug("listen stream ended", zap.Error(err))
				s.setErr(fmt.Errorf("%w: %v", ErrUnavailable, err))
			}
			return
		}
		if frame.Error != "" {
			s.setErr(errors.New(frame.Error))
			return
		}
		if frame.Change == nil {
			continue
		}
		ch := Change{Type: frame.Change.Type, Document: decodeDocument(frame.Change.Document)}
		select {
		case s.out <- ch:
		case <-s.done:
			return
		}
	}
}

func (s *wsStream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *wsStream) Changes() <-chan Change { return s.out }

func (s *wsStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
