// Package sigclient talks to the signaling API over HTTP and websockets. A
// Client satisfies the orchestrator's Signaling interface, so a party can run
// its orchestrator in a different process from the signaling service.
package sigclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"devcall/internal/calls"
	"devcall/internal/httpapi"
	"devcall/internal/signaling"

	"github.com/gorilla/websocket"
)

// ErrUnexpectedResponse is returned for responses without a known error code.
var ErrUnexpectedResponse = errors.New("sigclient: unexpected response")

// Options configure a Client. Zero values take defaults.
type Options struct {
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger

	// WatchRedials bounds how often a broken watch stream is re-dialed
	// before the subscriber is told it was lost. Default 5.
	WatchRedials int
	// WatchBackoff is the wait before the first re-dial; the n-th waits n
	// times as long. Default 250ms.
	WatchBackoff time.Duration
}

// Client is bound to one caller by its access token. The actor arguments of
// the Signaling methods are ignored: the server takes the identity from the
// token.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	dialer *websocket.Dialer
	log    *slog.Logger

	redials int
	backoff time.Duration
}

func New(baseURL, accessToken string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("sigclient: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("sigclient: base url must be http or https, got %q", u.Scheme)
	}
	if accessToken == "" {
		return nil, errors.New("sigclient: access token required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WatchRedials <= 0 {
		opts.WatchRedials = 5
	}
	if opts.WatchBackoff <= 0 {
		opts.WatchBackoff = 250 * time.Millisecond
	}
	return &Client{
		base:    u,
		token:   accessToken,
		http:    opts.HTTPClient,
		dialer:  opts.Dialer,
		log:     opts.Logger,
		redials: opts.WatchRedials,
		backoff: opts.WatchBackoff,
	}, nil
}

// BaseURL is the API root the client was built with.
func (c *Client) BaseURL() string { return c.base.String() }

// CreateCall sends recordID as call_id when it is set, which makes the
// request safe to repeat.
func (c *Client) CreateCall(ctx context.Context, recordID, requesterID, responderID, requesterName string) (calls.Record, error) {
	body := map[string]string{
		"responder_id":   responderID,
		"requester_name": requesterName,
	}
	if recordID != "" {
		body["call_id"] = recordID
	}
	var rec calls.Record
	err := c.do(ctx, http.MethodPost, "/v1/calls", body, &rec)
	return rec, err
}

func (c *Client) Respond(ctx context.Context, recordID, actorID string, decision signaling.Decision) (calls.Record, error) {
	var rec calls.Record
	err := c.do(ctx, http.MethodPost, callPath(recordID, "respond"), map[string]string{"decision": string(decision)}, &rec)
	return rec, err
}

func (c *Client) MarkActive(ctx context.Context, recordID, actorID, transportSessionID string) (calls.Record, error) {
	var rec calls.Record
	err := c.do(ctx, http.MethodPost, callPath(recordID, "active"), map[string]string{"transport_session_id": transportSessionID}, &rec)
	return rec, err
}

func (c *Client) End(ctx context.Context, recordID, actorID string) (calls.Record, error) {
	var rec calls.Record
	err := c.do(ctx, http.MethodPost, callPath(recordID, "end"), nil, &rec)
	return rec, err
}

func (c *Client) Get(ctx context.Context, recordID, actorID string) (calls.Record, error) {
	var rec calls.Record
	err := c.do(ctx, http.MethodGet, callPath(recordID, ""), nil, &rec)
	return rec, err
}

// ListIncoming returns pending calls for the token's identity.
func (c *Client) ListIncoming(ctx context.Context) ([]calls.Record, error) {
	var out struct {
		Calls []calls.Record `json:"calls"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/calls/incoming", nil, &out)
	return out.Calls, err
}

// RoomCredential fetches a publisher credential for the call's media room.
// Its signature matches orchestrator.CredentialFunc.
func (c *Client) RoomCredential(ctx context.Context, recordID, transportID string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, callPath(recordID, "token"), map[string]string{"transport_session_id": transportID}, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// Subscribe opens the record's watch stream. onChange first receives the
// current revision, then each later one, from a single goroutine. The stream
// ends on unsubscribe, ctx cancellation or a terminal revision.
//
// A stream that breaks any other way is re-dialed with linear backoff. The
// server re-sends the current revision on every dial and versions already
// delivered are skipped. When the re-dials run out, onLost (if set) receives
// the last error and no further revision follows.
func (c *Client) Subscribe(ctx context.Context, recordID, actorID string, onChange func(calls.Record), onLost func(error)) (func(), error) {
	if onChange == nil {
		return nil, signaling.ErrInvalidArgument
	}
	conn, err := c.dialWatch(ctx, recordID)
	if err != nil {
		return nil, err
	}

	var (
		mu   sync.Mutex
		cur  = conn
		once sync.Once
	)
	done := make(chan struct{})
	unsubscribe := func() {
		once.Do(func() {
			mu.Lock()
			close(done)
			live := cur
			mu.Unlock()
			_ = live.Close()
		})
	}
	stop := context.AfterFunc(ctx, unsubscribe)

	go func() {
		defer stop()
		defer unsubscribe()
		var (
			last     int64
			failures int
		)
		for {
			read, err := c.readWatch(conn, done, &last, onChange)
			if err == nil || isClosed(done) || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			if read {
				failures = 0
			}
			c.log.Warn("watch stream broken", "call_id", recordID, "version", last, "err", err)

			for {
				failures++
				if failures > c.redials {
					err = fmt.Errorf("sigclient: watch lost after %d redials: %w", c.redials, err)
					break
				}
				if !c.sleep(done, time.Duration(failures)*c.backoff) {
					return
				}
				var next *websocket.Conn
				if next, err = c.dialWatch(ctx, recordID); err == nil {
					mu.Lock()
					if isClosed(done) {
						mu.Unlock()
						_ = next.Close()
						return
					}
					cur = next
					mu.Unlock()
					conn = next
					break
				}
				if isClosed(done) {
					return
				}
				if !errors.Is(err, signaling.ErrStoreUnavailable) {
					err = fmt.Errorf("sigclient: watch redial: %w", err)
					failures = c.redials + 1
					break
				}
				c.log.Warn("watch redial failed", "call_id", recordID, "attempt", failures, "err", err)
			}
			if failures > c.redials {
				c.log.Error("watch stream lost", "call_id", recordID, "version", last, "err", err)
				if onLost != nil {
					onLost(err)
				}
				return
			}
			c.log.Info("watch stream redialed", "call_id", recordID, "version", last, "attempt", failures)
		}
	}()
	return unsubscribe, nil
}

// readWatch delivers revisions newer than *last until the stream fails, or
// returns nil once a terminal revision is delivered. read reports whether any
// message arrived on conn.
func (c *Client) readWatch(conn *websocket.Conn, done <-chan struct{}, last *int64, onChange func(calls.Record)) (read bool, err error) {
	for {
		var rec calls.Record
		if err := conn.ReadJSON(&rec); err != nil {
			return read, err
		}
		read = true
		if rec.Version <= *last {
			continue
		}
		*last = rec.Version
		if isClosed(done) {
			return read, nil
		}
		onChange(rec)
		if rec.Status.IsTerminal() {
			return read, nil
		}
	}
}

// sleep waits d and reports false if done closed first.
func (c *Client) sleep(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) dialWatch(ctx context.Context, recordID string) (*websocket.Conn, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += callPath(recordID, "watch")

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		return nil, fmt.Errorf("%w: watch: %w", signaling.ErrStoreUnavailable, err)
	}
	return conn, nil
}

func isClosed(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func callPath(id, action string) string {
	p := "/v1/calls/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %w", signaling.ErrStoreUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %w", ErrUnexpectedResponse, err)
	}
	return nil
}

// decodeError turns an error response back into the sentinel it was mapped
// from, keeping the server's message.
func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	if sentinel := httpapi.ErrorFromCode(body.Code); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, body.Error)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", calls.ErrUnauthorized, body.Error)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", signaling.ErrStoreUnavailable, resp.StatusCode)
	}
	return fmt.Errorf("%w: status %d: %s", ErrUnexpectedResponse, resp.StatusCode, body.Error)
}
