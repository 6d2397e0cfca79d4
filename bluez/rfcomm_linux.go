//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ilievs/homesync/transport"
)

func openRFCOMM(ctx context.Context, mac string, channel uint8) (io.ReadWriteCloser, error) {
	addr, err := parseAddress(mac)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrIO, err)
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		if errors.Is(err, unix.EAFNOSUPPORT) || errors.Is(err, unix.EPROTONOSUPPORT) {
			return nil, fmt.Errorf("%w: rfcomm socket: %w", transport.ErrUnavailable, err)
		}
		return nil, fmt.Errorf("%w: rfcomm socket: %w", transport.ErrIO, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: channel})
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		// shutdown unblocks the pending connect
		_ = unix.Shutdown(fd, unix.SHUT_RDWR)
		<-done
		err = ctx.Err()
	}
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: rfcomm connect %s channel %d: %w", transport.ErrIO, mac, channel, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %w", transport.ErrIO, err)
	}
	return os.NewFile(uintptr(fd), "rfcomm:"+mac), nil
}
