package backend

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/WenyuanLau/stratovirt/ctrl"
)

// DropPrivileges confines the backend process: no privilege escalation via
// execve, and every capability removed from the bounding set. Bounding-set
// drops need CAP_SETPCAP, so failures there are logged and tolerated for
// unprivileged runs.
func DropPrivileges() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(NO_NEW_PRIVS): %w", err)
	}

	dropped := 0

	for c := uintptr(0); ; c++ {
		if _, err := unix.PrctlRetInt(unix.PR_CAPBSET_READ, c, 0, 0, 0); err != nil {
			break
		}

		if err := unix.Prctl(unix.PR_CAPBSET_DROP, c, 0, 0, 0); err != nil {
			logrus.WithError(err).WithField("cap", c).Debug("bounding set drop failed")

			continue
		}

		dropped++
	}

	logrus.WithField("dropped", dropped).Debug("capability bounding set cleared")

	return nil
}

// ctrlFd is the fd number the parent leaves the control socket on when
// re-executing itself as a backend child.
const ctrlFd = 3

// Child runs dev in a re-exec'd backend process: it adopts the inherited
// control socket, drops privileges, and serves until the core shuts the
// channel down.
func Child(dev Device) error {
	f := os.NewFile(ctrlFd, "ctrl")

	conn, err := ctrl.FromFile(f)
	f.Close()

	if err != nil {
		return err
	}

	defer conn.Close()

	if err := DropPrivileges(); err != nil {
		return err
	}

	return New(conn, dev).Run()
}
