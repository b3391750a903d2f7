// Package authclient redeems signaling tickets against the authentication
// collaborator. The ticket is issued by the REST layer after it validated the
// participant's credentials and the room password.
package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/meet-signaling/internal/domain"
)

var ErrInvalidTicket = errors.New("invalid or expired ticket")

const redeemPath = "/v1/signaling/redeem"

type Client struct {
	baseURL string
	http    *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

// WithDial replaces the dialer, e.g. with an in-memory listener.
func WithDial(dial func(addr string) (net.Conn, error)) Option {
	return func(c *Client) { c.http.Dial = dial }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 5 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type redeemRequest struct {
	Ticket string `json:"ticket"`
}

type redeemResponse struct {
	UserID   string `json:"user_id"`
	Kind     string `json:"participation_kind"`
	Role     string `json:"role"`
	RoomID   string `json:"room_id"`
	TariffID string `json:"tariff_id"`
}

// Redeem exchanges ticket for the identity it was issued to. Tickets are
// single-use on the collaborator side, so only transport failures and 5xx
// responses are retried.
func (c *Client) Redeem(ctx context.Context, ticket string) (*domain.Identity, error) {
	ticket = strings.TrimSpace(ticket)
	if ticket == "" {
		return nil, ErrInvalidTicket
	}
	var resp redeemResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, redeemPath, redeemRequest{Ticket: ticket}, &resp); err != nil {
		return nil, err
	}
	id := &domain.Identity{
		UserID:   strings.TrimSpace(resp.UserID),
		Kind:     parseKind(resp.Kind, resp.UserID),
		Role:     domain.ParseRole(resp.Role),
		RoomID:   domain.RoomID(strings.TrimSpace(resp.RoomID)),
		TariffID: strings.TrimSpace(resp.TariffID),
	}
	if id.RoomID == "" {
		return nil, fmt.Errorf("redeem: response has no room")
	}
	if id.Kind != domain.KindUser {
		id.UserID = ""
	}
	return id, nil
}

func parseKind(kind, userID string) domain.Kind {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "sip":
		return domain.KindSIP
	case "guest":
		return domain.KindGuest
	case "user":
		return domain.KindUser
	}
	if strings.TrimSpace(userID) != "" {
		return domain.KindUser
	}
	return domain.KindGuest
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
		} else {
			status := resp.StatusCode()
			switch {
			case status >= 200 && status < 300:
				if out != nil {
					if err := json.Unmarshal(resp.Body(), out); err != nil {
						return fmt.Errorf("decode response: %w", err)
					}
				}
				return nil
			case status == fasthttp.StatusUnauthorized, status == fasthttp.StatusForbidden,
				status == fasthttp.StatusNotFound, status == fasthttp.StatusGone:
				return ErrInvalidTicket
			case !shouldRetryStatus(status):
				return fmt.Errorf("auth api error: status=%d body=%s", status, truncate(string(resp.Body()), 512))
			}
			lastErr = fmt.Errorf("auth api error: status=%d", status)
		}
		if attempt == attempts {
			break
		}
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 50 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
