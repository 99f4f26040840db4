// Package vmm assembles a running VMM from its configuration: hypervisor,
// machine, device backends, the remote display service and the metrics
// endpoint.
package vmm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/WenyuanLau/stratovirt/kvm"
	"github.com/WenyuanLau/stratovirt/machine"
	"github.com/WenyuanLau/stratovirt/metrics"
	"github.com/WenyuanLau/stratovirt/term"
	"github.com/WenyuanLau/stratovirt/virtio"
	"github.com/WenyuanLau/stratovirt/vnc"
)

// exitSequence is Ctrl-a x on the console.
const (
	exitPrefix  byte = 0x01
	exitTrigger byte = 'x'
)

type VMM struct {
	Config

	sys     *kvm.System
	m       *machine.Machine
	display *vnc.Server
	metrics net.Listener

	logger *logrus.Entry
}

func New(c Config) *VMM {
	return &VMM{
		Config: c,
		logger: logrus.WithField("component", "vmm"),
	}
}

// Init opens the hypervisor and builds the machine with one re-executed
// backend process per configured device.
func (v *VMM) Init() error {
	sys, err := kvm.Open(v.Dev)
	if err != nil {
		return err
	}

	vm, err := sys.NewVM()
	if err != nil {
		sys.Close()

		return err
	}

	launcher := &machine.ExecLauncher{
		ExtraArgs: map[string][]string{},
	}

	mc := machine.Config{
		MemSize:    uint64(v.MemSize),
		VCPUs:      v.NCPUs,
		SerialOut:  os.Stdout,
		TraceEvery: v.TraceCount,
	}

	if v.TrapFatal {
		mc.TrapPolicy = machine.TrapFatal
	}

	for _, d := range v.Devices {
		dc, args, err := deviceConfig(d)
		if err != nil {
			sys.Close()

			return err
		}

		launcher.ExtraArgs[dc.Name] = args
		mc.Devices = append(mc.Devices, dc)
	}

	m, err := machine.New(vm, mc, launcher)
	if err != nil {
		sys.Close()

		return err
	}

	v.sys = sys
	v.m = m

	return nil
}

func deviceConfig(d DeviceConfig) (machine.DeviceConfig, []string, error) {
	switch d.Type {
	case DeviceDisplay:
		var args []string

		if d.Width > 0 {
			args = append(args, "--width", strconv.Itoa(d.Width))
		}

		if d.Height > 0 {
			args = append(args, "--height", strconv.Itoa(d.Height))
		}

		return machine.DeviceConfig{
			Name:        d.Type,
			DeviceID:    virtio.DeviceIDGPU,
			NumQueues:   2,
			ConfigSpace: virtio.GPUEncode(virtio.GPUConfig{NumScanouts: 1}),
		}, args, nil
	case DeviceAudio:
		var args []string

		if d.Socket != "" {
			args = append(args, "--socket", d.Socket)
		}

		return machine.DeviceConfig{
			Name:      d.Type,
			DeviceID:  virtio.DeviceIDSound,
			NumQueues: 4,
		}, args, nil
	case DeviceInput:
		return machine.DeviceConfig{
			Name:      d.Type,
			DeviceID:  virtio.DeviceIDInput,
			NumQueues: 2,
		}, nil, nil
	default:
		return machine.DeviceConfig{}, nil, fmt.Errorf("unknown device type %q", d.Type)
	}
}

// Setup prepares the outward-facing services: the remote display listener
// and the metrics endpoint. Listen errors surface here, before the guest
// runs.
func (v *VMM) Setup() error {
	if v.VNC.Listen != "" {
		store := vnc.NewUserStore()

		for _, u := range v.VNC.Users {
			if err := store.Add(u.Name, u.Password); err != nil {
				return fmt.Errorf("vnc user %s: %w", u.Name, err)
			}
		}

		v.display = vnc.NewServer(vnc.Config{
			Addr:          v.VNC.Listen,
			Mechanisms:    v.VNC.Mechanisms,
			AuthThreshold: v.VNC.AuthThreshold,
		}, store, v.m.Hub(), v.m.InjectInput)

		if err := v.display.Listen(); err != nil {
			return err
		}

		v.logger.WithField("addr", v.display.Addr().String()).Info("display service listening")
	}

	if v.Config.Metrics.Listen != "" {
		ln, err := net.Listen("tcp", v.Config.Metrics.Listen)
		if err != nil {
			return err
		}

		v.metrics = ln
		v.logger.WithField("addr", ln.Addr().String()).Info("metrics listening")
	}

	return nil
}

// Boot starts the guest and blocks until it stops or a signal asks for
// teardown.
func (v *VMM) Boot() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := v.m.Start(ctx); err != nil {
		_ = v.m.Shutdown()

		return err
	}

	if v.display != nil {
		go func() {
			if err := v.display.Serve(ctx); err != nil {
				v.logger.WithError(err).Error("display service failed")
			}
		}()
	}

	if v.metrics != nil {
		srv := &http.Server{Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}

		go func() {
			if err := srv.Serve(v.metrics); err != nil && !errors.Is(err, http.ErrServerClosed) {
				v.logger.WithError(err).Error("metrics endpoint failed")
			}
		}()

		defer srv.Close()
	}

	if restore := v.console(ctx, stop); restore != nil {
		defer restore()
	}

	ran := make(chan error, 1)

	go func() { ran <- v.m.Wait() }()

	var errs *multierror.Error

	select {
	case err := <-ran:
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	case <-ctx.Done():
		v.logger.Info("stop requested")
	}

	if err := v.m.Shutdown(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := v.sys.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

// console pumps stdin into the guest serial port in raw mode. Ctrl-a x
// requests teardown. The returned function restores the terminal; it is nil
// when stdin is not a terminal. The reader goroutine stays blocked on stdin
// until the process exits, which is fine for a console.
func (v *VMM) console(ctx context.Context, stop func()) func() {
	stdin := int(os.Stdin.Fd())

	if v.m.Serial() == nil || !term.IsTerminal(stdin) {
		v.logger.Info("stdin is not a terminal, console input disabled")

		return nil
	}

	restore, err := term.SetRawMode(stdin)
	if err != nil {
		v.logger.WithError(err).Warn("raw mode unavailable, console input disabled")

		return nil
	}

	go func() {
		in := bufio.NewReader(os.Stdin)

		var prefix bool

		for {
			b, err := in.ReadByte()
			if err != nil {
				return
			}

			if prefix && b == exitTrigger {
				stop()

				return
			}

			prefix = b == exitPrefix

			v.m.Serial().PushInput([]byte{b})

			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()

	return restore
}
