package machine

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/WenyuanLau/stratovirt/backend"
	"github.com/WenyuanLau/stratovirt/ctrl"
)

// Launcher starts one device backend and hands the core its end of the
// control channel.
type Launcher interface {
	Launch(name string) (*ctrl.Conn, Handle, error)
}

// Handle supervises a launched backend.
type Handle interface {
	// Wait blocks until the backend exits.
	Wait() error
	// Kill force-stops the backend.
	Kill() error
}

// ExecLauncher re-executes the VMM binary as `backend <name>`, giving each
// device its own capability-dropped process. The child inherits its control
// socket on fd 3.
type ExecLauncher struct {
	// Binary defaults to the running executable.
	Binary string
	// ExtraArgs appends per-device arguments after the backend name.
	ExtraArgs map[string][]string
}

func (l *ExecLauncher) Launch(name string) (*ctrl.Conn, Handle, error) {
	binary := l.Binary

	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve executable: %w", err)
		}

		binary = self
	}

	core, child, err := ctrl.Pair()
	if err != nil {
		return nil, nil, err
	}

	childFile, err := child.File()
	child.Close()

	if err != nil {
		core.Close()

		return nil, nil, err
	}

	defer childFile.Close()

	args := append([]string{"backend", name}, l.ExtraArgs[name]...)
	cmd := exec.Command(binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childFile}

	if err := cmd.Start(); err != nil {
		core.Close()

		return nil, nil, fmt.Errorf("start backend %s: %w", name, err)
	}

	return core, &execHandle{cmd: cmd}, nil
}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Wait() error { return h.cmd.Wait() }

func (h *execHandle) Kill() error { return h.cmd.Process.Kill() }

// InProcLauncher runs backends as goroutines over a socketpair. The
// isolation boundary disappears; it exists for tests and for debugging.
type InProcLauncher struct {
	Devices map[string]func() backend.Device
}

func (l *InProcLauncher) Launch(name string) (*ctrl.Conn, Handle, error) {
	construct, ok := l.Devices[name]
	if !ok {
		return nil, nil, fmt.Errorf("no in-process backend %q", name)
	}

	core, child, err := ctrl.Pair()
	if err != nil {
		return nil, nil, err
	}

	h := &inprocHandle{done: make(chan error, 1), child: child}

	go func() {
		h.done <- backend.New(child, construct()).Run()
		child.Close()
	}()

	return core, h, nil
}

type inprocHandle struct {
	child *ctrl.Conn
	done  chan error
}

func (h *inprocHandle) Wait() error { return <-h.done }

func (h *inprocHandle) Kill() error { return h.child.Close() }
