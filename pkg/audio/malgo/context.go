// Package malgo provides local-hardware implementations of [audio.Microphone]
// and [audio.Sink] backed by miniaudio through github.com/gen2brain/malgo.
//
// A single [Context] owns the miniaudio backend; microphones and speakers
// are created from it and must be closed before it.
package malgo

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gen2brain/malgo"
)

// Context owns an initialised miniaudio context.
type Context struct {
	ctx *malgo.AllocatedContext
}

// NewContext initialises miniaudio with its default backend order.
func NewContext() (*Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Context{ctx: ctx}, nil
}

// Close releases the miniaudio context.
func (c *Context) Close() error {
	if c.ctx == nil {
		return nil
	}
	err := c.ctx.Uninit()
	c.ctx.Free()
	c.ctx = nil
	if err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}

// DeviceNames lists the names of the available devices of the given kind
// (malgo.Capture or malgo.Playback).
func (c *Context) DeviceNames(kind malgo.DeviceType) ([]string, error) {
	infos, err := c.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("malgo: enumerate devices: %w", err)
	}
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	return names, nil
}

// findDevice returns the device whose name contains name (case-insensitive).
// An empty name selects the system default and returns nil.
func (c *Context) findDevice(kind malgo.DeviceType, name string) (*malgo.DeviceInfo, error) {
	if name == "" {
		return nil, nil
	}
	infos, err := c.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	names := make([]string, len(infos))
	for i := range infos {
		names[i] = infos[i].Name()
	}
	i := matchDevice(names, name)
	if i < 0 {
		return nil, fmt.Errorf("no device matching %q", name)
	}
	return &infos[i], nil
}

// matchDevice returns the index of the first name equal to want, else the
// first containing it, ignoring case. It returns -1 when nothing matches.
func matchDevice(names []string, want string) int {
	want = strings.ToLower(want)
	for i, n := range names {
		if strings.ToLower(n) == want {
			return i
		}
	}
	for i, n := range names {
		if strings.Contains(strings.ToLower(n), want) {
			return i
		}
	}
	return -1
}
