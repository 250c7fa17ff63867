package rawrepl

import (
	"context"

	"go.uber.org/zap"

	"github.com/smnsjas/go-rawrepl/device"
	"github.com/smnsjas/go-rawrepl/transport"
)

// Version is the library version.
const Version = "0.1.0-dev"

// ConnectSerial opens a serial device and brings it into raw mode.
// baud <= 0 selects the MicroPython default of 115200.
func ConnectSerial(ctx context.Context, path string, baud int, opts device.Options) (*device.Manager, error) {
	return connect(ctx, transport.NewSerial(path, baud, opts.Logger), opts)
}

// ConnectSubprocess spawns a device-emulator binary (typically the
// MicroPython unix port with -i) and brings it into raw mode.
func ConnectSubprocess(ctx context.Context, path string, args []string, opts device.Options) (*device.Manager, error) {
	return connect(ctx, transport.NewSubprocess(path, args, opts.Logger), opts)
}

// ConnectWebREPL dials a WebREPL endpoint and brings it into raw mode.
// An empty password skips the login exchange.
func ConnectWebREPL(ctx context.Context, url, password string, opts device.Options) (*device.Manager, error) {
	return connect(ctx, transport.NewWebSocket(url, password, opts.Logger), opts)
}

func connect(ctx context.Context, ch transport.Channel, opts device.Options) (*device.Manager, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	dev := device.NewManager(ch, opts)
	if err := dev.Connect(ctx); err != nil {
		return nil, err
	}
	return dev, nil
}
