package flag

import (
	"os"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/WenyuanLau/stratovirt/backend"
	"github.com/WenyuanLau/stratovirt/display"
	"github.com/WenyuanLau/stratovirt/input"
	"github.com/WenyuanLau/stratovirt/probe"
	"github.com/WenyuanLau/stratovirt/sound"
	"github.com/WenyuanLau/stratovirt/vmm"
)

type CLI struct {
	Run     RunCMD     `cmd:"" help:"Boot a guest machine."`
	Probe   ProbeCMD   `cmd:"" help:"Report host virtualization capabilities."`
	Backend BackendCMD `cmd:"" hidden:"" help:"Run one device backend child."`

	LogLevel string `default:"info" enum:"debug,info,warn,error" help:"Log verbosity."`
}

func Parse() error {
	c := CLI{}

	programName := "stratovirt"
	programDesc := "stratovirt is a lightweight VMM with privilege-separated device backends"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}

	logrus.SetLevel(level)

	return ctx.Run()
}

type RunCMD struct {
	Config  string `short:"c" type:"existingfile" help:"Machine config file (TOML)."`
	Dev     string `short:"D" default:"" help:"Path of the hypervisor device, overrides the config file."`
	MemSize string `short:"m" default:"" help:"Memory size as num[gGmMkK], overrides the config file."`
	NCPUs   int    `short:"n" default:"0" help:"Number of vCPUs, overrides the config file."`
	Trace   string `short:"T" default:"" help:"Instructions to skip between trace prints, 0 disables."`
}

func (s *RunCMD) Run() error {
	c := &vmm.Config{
		Dev:     "/dev/kvm",
		MemSize: 1 << 30,
		NCPUs:   1,
		Devices: []vmm.DeviceConfig{
			{Type: vmm.DeviceDisplay},
			{Type: vmm.DeviceInput},
		},
	}

	if s.Config != "" {
		loaded, err := LoadConfig(s.Config)
		if err != nil {
			return err
		}

		c = loaded
	}

	if s.Dev != "" {
		c.Dev = s.Dev
	}

	if s.MemSize != "" {
		memSize, err := ParseSize(s.MemSize, "g")
		if err != nil {
			return err
		}

		c.MemSize = memSize
	}

	if s.NCPUs > 0 {
		c.NCPUs = s.NCPUs
	}

	if s.Trace != "" {
		traceC, err := ParseSize(s.Trace, "")
		if err != nil {
			return err
		}

		c.TraceCount = traceC
	}

	v := vmm.New(*c)

	if err := v.Init(); err != nil {
		return err
	}

	if err := v.Setup(); err != nil {
		return err
	}

	return v.Boot()
}

type ProbeCMD struct {
	Dev string `short:"D" default:"/dev/kvm" help:"Path of the hypervisor device."`
}

func (d *ProbeCMD) Run() error {
	return probe.Capabilities(os.Stdout, d.Dev)
}

// BackendCMD is the device child re-executed by the VMM core. It inherits
// its control socket on a fixed descriptor and drops privileges before
// touching any payload.
type BackendCMD struct {
	Name   string `arg:"" help:"Device type to serve."`
	Width  int    `default:"1024" help:"Display width in pixels."`
	Height int    `default:"768" help:"Display height in pixels."`
	Socket string `default:"" help:"Audio daemon socket path."`
}

func (b *BackendCMD) Run() error {
	var dev backend.Device

	switch b.Name {
	case vmm.DeviceDisplay:
		dev = display.NewGPU(uint32(b.Width), uint32(b.Height))
	case vmm.DeviceAudio:
		dev = sound.NewSink(sound.DaemonSocket(b.Socket))
	case vmm.DeviceInput:
		dev = input.NewInjector()
	default:
		return ErrUnknownDeviceType
	}

	return backend.Child(dev)
}
