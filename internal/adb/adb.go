// Package adb drives the adb command-line client. It is the Remote used by
// the bridge and the device enumerator used by discovery.
package adb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jtaka1125-beep/mirage/internal/bridge"
	"github.com/jtaka1125-beep/mirage/internal/logging"
	"github.com/jtaka1125-beep/mirage/internal/process"
)

var _ bridge.Remote = (*Client)(nil)

// ErrConnectFailed is returned when adb connect does not report a connection.
var ErrConnectFailed = errors.New("adb connect failed")

// Client runs adb commands.
type Client struct {
	argv         []string
	logger       *slog.Logger
	helperLogger *slog.Logger
}

// New creates a client for the adb command line in path, for example
// "adb" or "adb -H 10.0.0.2 -P 5037".
func New(path string, logger *slog.Logger) (*Client, error) {
	if path == "" {
		path = "adb"
	}
	argv, err := process.SplitCommand(path)
	if err != nil {
		return nil, fmt.Errorf("invalid adb path %q: %w", path, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("invalid adb path %q", path)
	}
	if logger == nil {
		logger = logging.GetLogger("adb")
	}
	return &Client{argv: argv, logger: logger, helperLogger: logging.GetLogger("helper")}, nil
}

func (c *Client) command(serial string, args ...string) []string {
	argv := make([]string, 0, len(c.argv)+2+len(args))
	argv = append(argv, c.argv...)
	if serial != "" {
		argv = append(argv, "-s", serial)
	}
	return append(argv, args...)
}

// Run executes adb -s serial args... and returns stdout.
func (c *Client) Run(ctx context.Context, serial string, args ...string) ([]byte, error) {
	out, err := process.Output(ctx, c.command(serial, args...))
	if err != nil {
		return out, fmt.Errorf("adb %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

// Push copies local to remote on the device.
func (c *Client) Push(ctx context.Context, serial, local, remote string) error {
	if _, err := c.Run(ctx, serial, "push", local, remote); err != nil {
		return err
	}
	c.logger.Info("Pushed file to device", "serial", serial, "remote", remote)
	return nil
}

// Forward creates a tunnel from a local TCP port to remote. With localPort 0
// adb picks a free port and prints it.
func (c *Client) Forward(ctx context.Context, serial string, localPort int, remote string) (int, error) {
	out, err := c.Run(ctx, serial, "forward", "tcp:"+strconv.Itoa(localPort), remote)
	if err != nil {
		return 0, err
	}
	if localPort != 0 {
		return localPort, nil
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("unexpected adb forward output %q", strings.TrimSpace(string(out)))
	}
	return port, nil
}

// RemoveForward removes the tunnel on localPort.
func (c *Client) RemoveForward(ctx context.Context, serial string, localPort int) error {
	_, err := c.Run(ctx, serial, "forward", "--remove", "tcp:"+strconv.Itoa(localPort))
	return err
}

// Start runs a long-lived adb command. Its output is logged by the helper
// module logger.
func (c *Client) Start(ctx context.Context, serial string, args ...string) (bridge.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := process.New("helper-"+serial, c.command(serial, args...), c.logger)
	p.SetLogParser(c.helperLogger.With("serial", serial), ParseHelperLine)
	if err := p.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

// SerialNo returns the device's ro.serialno, which is the same whichever
// transport adb uses to reach it.
func (c *Client) SerialNo(ctx context.Context, serial string) (string, error) {
	out, err := c.Run(ctx, serial, "shell", "getprop", "ro.serialno")
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", fmt.Errorf("empty ro.serialno for %s", serial)
	}
	return id, nil
}

// Connect asks adb to connect to a Wi-Fi endpoint.
func (c *Client) Connect(ctx context.Context, addr string) error {
	out, err := c.Run(ctx, "", "connect", addr)
	if err != nil {
		return err
	}
	msg := strings.TrimSpace(string(out))
	if strings.Contains(msg, "connected to") {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrConnectFailed, msg)
}

// Devices lists the devices adb currently sees.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	out, err := c.Run(ctx, "", "devices", "-l")
	if err != nil {
		return nil, err
	}
	return ParseDevices(string(out)), nil
}

// ParseHelperLine maps capture helper output such as
// "[server] WARN: Could not ..." to a log level and message.
func ParseHelperLine(line string) (level, msg string) {
	rest, ok := strings.CutPrefix(line, "[server] ")
	if !ok {
		return "info", line
	}
	tag, text, ok := strings.Cut(rest, ": ")
	if !ok {
		return "info", rest
	}
	switch tag {
	case "ERROR":
		return "error", text
	case "WARN":
		return "warning", text
	case "DEBUG", "VERBOSE":
		return "debug", text
	default:
		return "info", text
	}
}
