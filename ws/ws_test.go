package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilievs/homesync/protocol"
	"github.com/ilievs/homesync/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPeerURL(t *testing.T) {
	assert.Equal(t, "ws://10.0.0.2:8080/peer", peerURL("10.0.0.2:8080"))
	assert.Equal(t, "wss://hub.local/custom", peerURL("wss://hub.local/custom"))
}

func TestSessionsOverWebSocket(t *testing.T) {
	acceptor := NewAcceptor(5*time.Second, testLogger())
	server := httptest.NewServer(acceptor)
	defer server.Close()

	hub := transport.NewStreamSession(acceptor, testLogger())
	peer := transport.NewStreamSession(NewDialer(testLogger()), testLogger())
	defer hub.Disconnect()
	defer peer.Disconnect()

	hubInbox := make(chan protocol.Message, 4)
	hub.OnMessage(func(msg protocol.Message) { hubInbox <- msg })
	peerInbox := make(chan protocol.Message, 4)
	peer.OnMessage(func(msg protocol.Message) { peerInbox <- msg })

	hubErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hubErr <- hub.Connect(ctx, "")
	}()

	target := strings.TrimPrefix(server.URL, "http://")
	require.NoError(t, peer.Connect(context.Background(), target))
	require.NoError(t, <-hubErr)

	request, err := protocol.Encode(protocol.RequestSnapshot{})
	require.NoError(t, err)
	require.NoError(t, peer.Send(context.Background(), request))
	select {
	case msg := <-hubInbox:
		assert.Equal(t, request, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not receive the request")
	}

	status, err := protocol.Encode(protocol.ConnectionStatus{Connected: true})
	require.NoError(t, err)
	require.NoError(t, hub.Send(context.Background(), status))
	select {
	case msg := <-peerInbox:
		assert.Equal(t, status, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not receive the status")
	}

	require.NoError(t, hub.Disconnect())
	require.Eventually(t, func() bool {
		return peer.State() == transport.StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAcceptorDialTimesOutAsNotFound(t *testing.T) {
	acceptor := NewAcceptor(time.Second, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := acceptor.Dial(ctx, "")
	assert.ErrorIs(t, err, transport.ErrNotFound)
}

func TestDialerErrors(t *testing.T) {
	d := NewDialer(testLogger())
	_, err := d.Dial(context.Background(), "")
	assert.ErrorIs(t, err, transport.ErrNotFound)

	server := httptest.NewServer(NewAcceptor(time.Second, testLogger()))
	addr := strings.TrimPrefix(server.URL, "http://")
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = d.Dial(ctx, addr)
	assert.ErrorIs(t, err, transport.ErrIO)
}
