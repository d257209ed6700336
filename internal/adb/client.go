package adb

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNoDevice is returned when no online device can be resolved.
var ErrNoDevice = errors.New("no online android device")

// Device is one row of `adb devices`.
type Device struct {
	Serial string `json:"serial"`
	State  string `json:"state"`
}

// Client runs adb commands against a single device.
type Client struct {
	path   string
	serial string
}

// NewClient creates a client for the device with the given serial. An empty
// serial lets adb pick the only connected device.
func NewClient(path, serial string) *Client {
	if path == "" {
		path = "adb"
	}
	return &Client{path: path, serial: serial}
}

// Serial returns the device serial the client is bound to.
func (c *Client) Serial() string {
	return c.serial
}

// Shell runs a command on the device and returns its output.
func (c *Client) Shell(ctx context.Context, cmd string, args ...string) (string, error) {
	argv := append([]string{"shell", cmd}, args...)
	return c.run(ctx, argv...)
}

// Devices lists attached devices.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	out, err := c.exec(ctx, "devices")
	if err != nil {
		return nil, err
	}
	return ParseDevices(out), nil
}

// ResolveSerial binds the client to a device. A configured serial is kept
// as is; otherwise the first online device is used.
func (c *Client) ResolveSerial(ctx context.Context) (string, error) {
	if c.serial != "" {
		return c.serial, nil
	}
	devices, err := c.Devices(ctx)
	if err != nil {
		return "", err
	}
	for _, d := range devices {
		if d.State == "device" {
			c.serial = d.Serial
			return c.serial, nil
		}
	}
	return "", ErrNoDevice
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	if c.serial != "" {
		args = append([]string{"-s", c.serial}, args...)
	}
	return c.exec(ctx, args...)
}

func (c *Client) exec(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("adb %s: %w", strings.Join(args, " "), err)
		}
		return "", fmt.Errorf("adb %s: %w: %s", strings.Join(args, " "), err, msg)
	}
	return stdout.String(), nil
}

// ParseDevices parses `adb devices` output.
func ParseDevices(out string) []Device {
	var devices []Device
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices = append(devices, Device{Serial: fields[0], State: fields[1]})
	}
	return devices
}
