// Package adb is a small client for the adb server's smart socket
// protocol, sufficient to query the server and run shell commands on
// one device.
//
// Every request opens a fresh connection to the server; the protocol
// retires the stream once a service completes, and shell streams stay
// open only for the lifetime of the remote command.
package adb

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	emuroot "github.com/NicolaiSoeborg/android-emuroot"
	"github.com/NicolaiSoeborg/android-emuroot/logging"
)

// Client talks to an adb server, normally on 127.0.0.1:5037.
type Client struct {
	addr   string
	logger *slog.Logger
	dialer net.Dialer
}

// NewClient returns a client for the adb server at addr. A nil logger
// falls back to logging.Default.
func NewClient(addr string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		addr:   addr,
		logger: logger.With("component", "adb"),
	}
}

// ServerVersion returns the server's internal protocol version.
func (c *Client) ServerVersion(ctx context.Context) (int, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := request(conn, "host:version"); err != nil {
		return 0, fmt.Errorf("query adb version: %w", err)
	}
	payload, err := readMessage(conn)
	if err != nil {
		return 0, fmt.Errorf("query adb version: %w", err)
	}
	version, err := strconv.ParseUint(payload, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("query adb version: bad payload %q", payload)
	}
	return int(version), nil
}

// DeviceInfo is one row of the server's device list.
type DeviceInfo struct {
	Serial string
	State  string
}

// Devices lists the devices the server currently tracks.
func (c *Client) Devices(ctx context.Context) ([]DeviceInfo, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := request(conn, "host:devices"); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	payload, err := readMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	var devices []DeviceInfo
	for _, line := range strings.Split(payload, "\n") {
		serial, state, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if !ok {
			continue
		}
		devices = append(devices, DeviceInfo{Serial: serial, State: state})
	}
	return devices, nil
}

// Device returns a handle bound to one serial. No connection is made
// until a command runs.
func (c *Client) Device(serial string) *Device {
	return &Device{client: c, serial: serial}
}

// Device runs commands on a single device through the client's
// server.
type Device struct {
	client *Client
	serial string
}

func (d *Device) Serial() string { return d.serial }

var _ emuroot.DeviceShell = (*Device)(nil)

// Shell runs command through the device's default shell and returns
// the combined output once the remote side closes the stream. The
// call blocks for as long as the command runs; cancel ctx to abandon
// it.
func (d *Device) Shell(ctx context.Context, command string) (string, error) {
	c := d.client
	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := request(conn, "host:transport:"+d.serial); err != nil {
		return "", fmt.Errorf("select device %s: %v: %w", d.serial, err, emuroot.ErrDeviceUnreachable)
	}
	if err := request(conn, "shell:"+command); err != nil {
		return "", fmt.Errorf("shell %q on %s: %w", command, d.serial, err)
	}

	c.logger.Debug("shell command started", "serial", d.serial, "cmd", command)

	out, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("shell %q on %s: read output: %w", command, d.serial, err)
	}

	c.logger.Log(ctx, logging.LevelTrace.ToSlog(), "shell command finished",
		"serial", d.serial, "cmd", command, "output_bytes", len(out))
	return string(out), nil
}

// dial opens a server connection that aborts its I/O when ctx ends.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial adb server %s: %v: %w", c.addr, err, emuroot.ErrDeviceUnreachable)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return &watchedConn{Conn: conn, stop: stop}, nil
}

// watchedConn unregisters its context watcher when closed.
type watchedConn struct {
	net.Conn
	stop func() bool
}

func (w *watchedConn) Close() error {
	w.stop()
	return w.Conn.Close()
}

// request sends one length-prefixed service request and waits for the
// server's verdict.
func request(conn net.Conn, service string) error {
	if _, err := fmt.Fprintf(conn, "%04x%s", len(service), service); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return readStatus(conn)
}

// readStatus consumes the 4-byte OKAY/FAIL verdict; FAIL carries a
// length-prefixed reason.
func readStatus(conn net.Conn) error {
	status := make([]byte, 4)
	if _, err := io.ReadFull(conn, status); err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	switch string(status) {
	case "OKAY":
		return nil
	case "FAIL":
		reason, err := readMessage(conn)
		if err != nil {
			return fmt.Errorf("request refused")
		}
		return fmt.Errorf("request refused: %s", reason)
	default:
		return fmt.Errorf("unexpected status %q", status)
	}
}

// readMessage reads a 4-digit-hex length-prefixed payload.
func readMessage(conn net.Conn) (string, error) {
	size := make([]byte, 4)
	if _, err := io.ReadFull(conn, size); err != nil {
		return "", fmt.Errorf("read length: %w", err)
	}
	n, err := strconv.ParseUint(string(size), 16, 32)
	if err != nil {
		return "", fmt.Errorf("bad length %q", size)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	return string(body), nil
}
