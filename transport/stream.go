package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ilievs/homesync/protocol"
)

const (
	maxConsecutiveReadErrors = 5
	readErrorBackoff         = 500 * time.Millisecond
)

// Dialer opens the byte stream to a peer. It should return errors wrapping
// ErrUnavailable or ErrNotFound when it can tell; anything else is reported as
// ErrIO.
type Dialer interface {
	Dial(ctx context.Context, target string) (io.ReadWriteCloser, error)
}

type DialerFunc func(ctx context.Context, target string) (io.ReadWriteCloser, error)

func (f DialerFunc) Dial(ctx context.Context, target string) (io.ReadWriteCloser, error) {
	return f(ctx, target)
}

// StreamSession runs newline-framed messages over any byte stream: an RFCOMM
// socket, a WebSocket or a plain TCP connection.
type StreamSession struct {
	*Lifecycle
	dialer Dialer
	logger *slog.Logger

	connMutex  sync.Mutex
	conn       io.ReadWriteCloser
	writeMutex sync.Mutex
}

func NewStreamSession(dialer Dialer, logger *slog.Logger) *StreamSession {
	return &StreamSession{
		Lifecycle: NewLifecycle(),
		dialer:    dialer,
		logger:    logger,
	}
}

func (s *StreamSession) Connect(ctx context.Context, target string) error {
	if err := s.BeginConnect(); err != nil {
		return err
	}

	conn, err := s.dialer.Dial(ctx, target)
	if err != nil {
		s.MarkDisconnected()
		return WrapDialError(err)
	}

	s.connMutex.Lock()
	s.conn = conn
	s.connMutex.Unlock()

	if !s.MarkConnected() {
		s.dropConn(conn)
		return fmt.Errorf("%w: disconnected while connecting", ErrIO)
	}

	s.logger.Info("stream connected", "target", target)
	go s.listen(conn)
	return nil
}

func (s *StreamSession) Send(ctx context.Context, msg protocol.Message) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	s.connMutex.Lock()
	conn := s.conn
	s.connMutex.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	if dl, ok := conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		deadline, _ := ctx.Deadline()
		_ = dl.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(protocol.Frame(msg)); err != nil {
		s.logger.Warn("stream write failed, disconnecting", "error", err)
		s.dropConn(conn)
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

func (s *StreamSession) Disconnect() error {
	s.connMutex.Lock()
	conn := s.conn
	s.conn = nil
	s.connMutex.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if s.MarkDisconnected() {
		s.logger.Info("stream disconnected")
	}
	if err != nil && !isClosedError(err) {
		return err
	}
	return nil
}

// dropConn disconnects only if conn is still the current connection, so a
// stale listener cannot tear down a newer one.
func (s *StreamSession) dropConn(conn io.ReadWriteCloser) {
	s.connMutex.Lock()
	current := s.conn == conn
	if current {
		s.conn = nil
	}
	s.connMutex.Unlock()

	_ = conn.Close()
	if current && s.MarkDisconnected() {
		s.logger.Info("stream disconnected")
	}
}

func (s *StreamSession) listen(conn io.ReadWriteCloser) {
	defer s.dropConn(conn)

	reader := bufio.NewReader(conn)
	consecutiveErrors := 0
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if msg, ok := protocol.ParseFrame(line); ok {
				s.Dispatch(msg)
			} else {
				s.logger.Debug("dropping unframed data", "bytes", len(line))
			}
		}
		if err == nil {
			consecutiveErrors = 0
			continue
		}
		if errors.Is(err, io.EOF) || isClosedError(err) {
			s.logger.Debug("stream closed", "error", err)
			return
		}

		consecutiveErrors++
		s.logger.Warn("stream read failed",
			"error", err,
			"consecutive", consecutiveErrors,
			"max", maxConsecutiveReadErrors)
		if consecutiveErrors >= maxConsecutiveReadErrors {
			return
		}
		time.Sleep(readErrorBackoff)
		if s.State() != StateConnected {
			return
		}
	}
}

func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}
