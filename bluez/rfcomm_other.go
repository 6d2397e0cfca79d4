//go:build !linux

package bluez

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/ilievs/homesync/transport"
)

func openRFCOMM(context.Context, string, uint8) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("%w: rfcomm is not supported on %s", transport.ErrUnavailable, runtime.GOOS)
}
