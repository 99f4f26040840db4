// Package flag turns command line arguments and the TOML machine config
// file into the VMM configuration.
package flag

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/WenyuanLau/stratovirt/vmm"
)

var (
	ErrUnknownDeviceType = errors.New("unknown device type")
	ErrNoVNCUsers        = errors.New("vnc listener configured without users")
)

// ParseSize parses a size string as number[gGmMkK]. The multiplier is
// optional, and if not set, the unit passed in is used. The number can be
// any base and size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// File schema. Sizes are strings so they take the num[gGmMkK] form.
type fileConfig struct {
	Machine fileMachine  `toml:"machine"`
	Devices []fileDevice `toml:"device"`
	VNC     fileVNC      `toml:"vnc"`
	Metrics fileMetrics  `toml:"metrics"`
}

type fileMachine struct {
	Memory string `toml:"memory"`
	VCPUs  int    `toml:"vcpus"`
	Trace  int    `toml:"trace"`
	Trap   string `toml:"trap"`
}

type fileDevice struct {
	Type   string `toml:"type"`
	Width  int    `toml:"width"`
	Height int    `toml:"height"`
	Socket string `toml:"socket"`
}

type fileVNC struct {
	Listen        string     `toml:"listen"`
	Mechanisms    []string   `toml:"mechanisms"`
	AuthThreshold int        `toml:"auth_threshold"`
	Users         []fileUser `toml:"user"`
}

type fileUser struct {
	Name     string `toml:"name"`
	Password string `toml:"password"`
}

type fileMetrics struct {
	Listen string `toml:"listen"`
}

// LoadConfig reads a TOML machine config. Unknown keys are an error so a
// typo does not silently fall back to a default.
func LoadConfig(path string) (*vmm.Config, error) {
	var fc fileConfig

	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("%s: unknown key %q", path, undec[0].String())
	}

	return fc.resolve(path)
}

func (fc *fileConfig) resolve(path string) (*vmm.Config, error) {
	c := &vmm.Config{
		Dev:        "/dev/kvm",
		MemSize:    1 << 30,
		NCPUs:      1,
		TraceCount: fc.Machine.Trace,
	}

	if fc.Machine.Memory != "" {
		sz, err := ParseSize(fc.Machine.Memory, "g")
		if err != nil {
			return nil, fmt.Errorf("%s: memory: %w", path, err)
		}

		c.MemSize = sz
	}

	if fc.Machine.VCPUs > 0 {
		c.NCPUs = fc.Machine.VCPUs
	}

	switch fc.Machine.Trap {
	case "", "ignore":
	case "fatal":
		c.TrapFatal = true
	default:
		return nil, fmt.Errorf("%s: trap must be \"fatal\" or \"ignore\", got %q", path, fc.Machine.Trap)
	}

	for _, d := range fc.Devices {
		switch d.Type {
		case vmm.DeviceDisplay, vmm.DeviceAudio, vmm.DeviceInput:
		default:
			return nil, fmt.Errorf("%s: %w: %q", path, ErrUnknownDeviceType, d.Type)
		}

		c.Devices = append(c.Devices, vmm.DeviceConfig{
			Type:   d.Type,
			Width:  d.Width,
			Height: d.Height,
			Socket: d.Socket,
		})
	}

	c.VNC = vmm.VNCConfig{
		Listen:        fc.VNC.Listen,
		Mechanisms:    fc.VNC.Mechanisms,
		AuthThreshold: fc.VNC.AuthThreshold,
	}

	for _, u := range fc.VNC.Users {
		c.VNC.Users = append(c.VNC.Users, vmm.UserConfig{Name: u.Name, Password: u.Password})
	}

	if c.VNC.Listen != "" && len(c.VNC.Users) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoVNCUsers)
	}

	c.Metrics.Listen = fc.Metrics.Listen

	return c, nil
}
