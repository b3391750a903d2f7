// Package ws accepts participant websocket connections and hands each one to
// its own runner.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/meet-signaling/internal/authclient"
	"github.com/park285/meet-signaling/internal/domain"
	"github.com/park285/meet-signaling/internal/obslog"
	"github.com/park285/meet-signaling/internal/runner"
)

// Authenticator turns the upgrade ticket into a pre-validated identity.
type Authenticator interface {
	Redeem(ctx context.Context, ticket string) (*domain.Identity, error)
}

type Options struct {
	PingInterval   time.Duration
	ReadLimit      int64
	OriginPatterns []string
}

type Handler struct {
	base   context.Context
	auth   Authenticator
	deps   runner.Deps
	opts   Options
	wg     sync.WaitGroup
	active sync.Map // participant id -> *runner.Runner
}

// NewHandler serves runners until base is cancelled.
func NewHandler(base context.Context, auth Authenticator, deps runner.Deps, opts Options) *Handler {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 << 10
	}
	return &Handler{base: base, auth: auth, deps: deps, opts: opts}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ticket := strings.TrimSpace(r.URL.Query().Get("ticket"))
	rctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	identity, err := h.auth.Redeem(rctx, ticket)
	cancel()
	switch {
	case errors.Is(err, authclient.ErrInvalidTicket):
		http.Error(w, "invalid ticket", http.StatusUnauthorized)
		return
	case err != nil:
		obslog.L().Warn("ws_redeem_failed", zap.Error(err))
		http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		OriginPatterns:  h.opts.OriginPatterns,
	})
	if err != nil {
		obslog.L().Debug("ws_accept_failed", zap.Error(err))
		return
	}
	wsConn.SetReadLimit(h.opts.ReadLimit)

	h.wg.Add(1)
	defer h.wg.Done()

	rn := runner.New(h.deps, newConn(wsConn, h.opts.PingInterval), *identity)
	h.active.Store(rn.ID(), rn)
	defer h.active.Delete(rn.ID())

	if err := rn.Run(h.base); err != nil {
		obslog.L().Warn("runner_ended_with_error",
			obslog.Room(string(identity.RoomID)),
			obslog.Participant(string(rn.ID())),
			zap.Error(err))
	}
}

// Active counts runners served by this handler.
func (h *Handler) Active() int {
	n := 0
	h.active.Range(func(any, any) bool { n++; return true })
	return n
}

// Wait blocks until every runner has finished or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
