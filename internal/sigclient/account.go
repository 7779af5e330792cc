package sigclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"devcall/internal/presence"
	"devcall/internal/reporting"
	"devcall/internal/signaling"
)

// Tokens is the pair returned by login.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Login exchanges an identity and role for a token pair. It needs no access
// token, so it is a package function rather than a Client method.
func Login(ctx context.Context, baseURL, userID, role string, hc *http.Client) (Tokens, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	b, err := json.Marshal(map[string]string{"user_id": userID, "role": role})
	if err != nil {
		return Tokens{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/auth/login", bytes.NewReader(b))
	if err != nil {
		return Tokens{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("%w: login: %w", signaling.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Tokens{}, decodeError(resp)
	}
	var out Tokens
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Tokens{}, fmt.Errorf("%w: decode: %w", ErrUnexpectedResponse, err)
	}
	return out, nil
}

// SetPresence publishes the token holder's availability and rate.
func (c *Client) SetPresence(ctx context.Context, online bool, hourlyRate float64) (presence.Presence, error) {
	var p presence.Presence
	err := c.do(ctx, http.MethodPut, "/v1/presence", map[string]any{
		"is_online":   online,
		"hourly_rate": hourlyRate,
	}, &p)
	return p, err
}

// ListPresence returns online responders, cheapest first. maxRate <= 0 means
// no cap.
func (c *Client) ListPresence(ctx context.Context, maxRate float64) ([]presence.Presence, error) {
	path := "/v1/presence"
	if maxRate > 0 {
		path += "?" + url.Values{"max_rate": {strconv.FormatFloat(maxRate, 'f', -1, 64)}}.Encode()
	}
	var out struct {
		Responders []presence.Presence `json:"responders"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Responders, err
}

// Me returns the identity and role the server reads from the access token.
func (c *Client) Me(ctx context.Context) (userID, role string, err error) {
	var out struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/me", nil, &out); err != nil {
		return "", "", err
	}
	return out.UserID, out.Role, nil
}

// CallsSummary fetches the token holder's call history totals. Zero times
// take the server defaults.
func (c *Client) CallsSummary(ctx context.Context, from, to time.Time) (reporting.CallsSummary, error) {
	q := url.Values{}
	if !from.IsZero() {
		q.Set("from", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		q.Set("to", to.UTC().Format(time.RFC3339))
	}
	path := "/v1/calls/summary"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out reporting.CallsSummary
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}
