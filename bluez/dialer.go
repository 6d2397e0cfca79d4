package bluez

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ilievs/homesync/transport"
)

const DefaultChannel uint8 = 1

// Opener opens an RFCOMM stream to a device address.
type Opener func(ctx context.Context, mac string, channel uint8) (io.ReadWriteCloser, error)

// Dialer implements transport.Dialer over RFCOMM.
type Dialer struct {
	adapter Adapter
	open    Opener
	channel uint8
	logger  *slog.Logger
}

func NewDialer(adapter Adapter, channel uint8, logger *slog.Logger) *Dialer {
	return newDialer(adapter, openRFCOMM, channel, logger)
}

func newDialer(adapter Adapter, open Opener, channel uint8, logger *slog.Logger) *Dialer {
	if channel == 0 {
		channel = DefaultChannel
	}
	return &Dialer{adapter: adapter, open: open, channel: channel, logger: logger}
}

// Dial connects to the paired device matching target by address, name or
// alias. An empty target picks the first paired device.
func (d *Dialer) Dial(ctx context.Context, target string) (io.ReadWriteCloser, error) {
	if d.adapter == nil {
		return nil, fmt.Errorf("%w: no bluetooth adapter", transport.ErrUnavailable)
	}
	powered, err := d.adapter.Powered()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrUnavailable, err)
	}
	if !powered {
		return nil, fmt.Errorf("%w: bluetooth adapter is powered off", transport.ErrUnavailable)
	}

	paired, err := d.adapter.PairedDevices()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrIO, err)
	}
	device, ok := pick(paired, target)
	if !ok {
		return nil, fmt.Errorf("%w: no paired device matches %q", transport.ErrNotFound, target)
	}

	d.logger.Info("opening rfcomm", "device", device.MAC, "name", device.Name, "channel", d.channel)
	conn, err := d.open(ctx, device.MAC, d.channel)
	if err != nil {
		return nil, transport.WrapDialError(err)
	}
	return conn, nil
}

func pick(devices []Device, target string) (Device, bool) {
	for _, d := range devices {
		if d.MAC == "" {
			continue
		}
		if target == "" ||
			strings.EqualFold(d.MAC, target) ||
			d.Name == target ||
			d.Alias == target {
			return d, true
		}
	}
	return Device{}, false
}
