// Package ws carries the peer byte stream over a WebSocket. The hub serves
// the Acceptor on PeerPath and the peer dials it.
package ws

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/ilievs/homesync/transport"
)

const (
	PeerPath           = "/peer"
	defaultWaitTimeout = 30 * time.Second
)

// Dialer implements transport.Dialer for the peer side. The target is a
// host:port or a full ws:// URL.
type Dialer struct {
	logger *slog.Logger
}

func NewDialer(logger *slog.Logger) *Dialer {
	return &Dialer{logger: logger}
}

func peerURL(target string) string {
	if strings.Contains(target, "://") {
		return target
	}
	return "ws://" + target + PeerPath
}

func (d *Dialer) Dial(ctx context.Context, target string) (io.ReadWriteCloser, error) {
	if target == "" {
		return nil, fmt.Errorf("%w: no websocket peer address", transport.ErrNotFound)
	}
	u := peerURL(target)
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", transport.ErrIO, u, err)
	}
	d.logger.Debug("websocket dialed", "url", u)
	return websocket.NetConn(context.Background(), conn, websocket.MessageText), nil
}

// handedConn lets the HTTP handler that accepted a connection wait until
// the session has closed it.
type handedConn struct {
	net.Conn
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *handedConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Conn.Close()
		close(c.closed)
	})
	return err
}

// Acceptor is the hub side: an http.Handler that hands each accepted
// WebSocket to a pending Dial. Dial blocks until a peer connects or ctx ends.
type Acceptor struct {
	logger      *slog.Logger
	waitTimeout time.Duration
	pending     chan *handedConn
}

// NewAcceptor creates an Acceptor. A connection that finds no Dial waiting
// within waitTimeout is refused.
func NewAcceptor(waitTimeout time.Duration, logger *slog.Logger) *Acceptor {
	if waitTimeout <= 0 {
		waitTimeout = defaultWaitTimeout
	}
	return &Acceptor{
		logger:      logger,
		waitTimeout: waitTimeout,
		pending:     make(chan *handedConn),
	}
}

func (a *Acceptor) Dial(ctx context.Context, _ string) (io.ReadWriteCloser, error) {
	select {
	case conn := <-a.pending:
		return conn, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: no peer connected: %w", transport.ErrNotFound, ctx.Err())
	}
}

func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
		},
	})
	if err != nil {
		a.logger.Warn("websocket accept failed", "error", err)
		return
	}

	conn := &handedConn{
		Conn:   websocket.NetConn(context.Background(), ws, websocket.MessageText),
		closed: make(chan struct{}),
	}

	timer := time.NewTimer(a.waitTimeout)
	defer timer.Stop()
	select {
	case a.pending <- conn:
		a.logger.Info("websocket peer connected", "remote", r.RemoteAddr)
	case <-timer.C:
		a.logger.Warn("refusing websocket peer, no session waiting", "remote", r.RemoteAddr)
		ws.Close(websocket.StatusTryAgainLater, "no session waiting")
		return
	case <-r.Context().Done():
		ws.Close(websocket.StatusGoingAway, "")
		return
	}

	select {
	case <-conn.closed:
	case <-r.Context().Done():
		conn.Close()
	}
	a.logger.Info("websocket peer disconnected", "remote", r.RemoteAddr)
}
