// Package probe inspects the host for the virtualization features the VMM
// needs, without creating a guest.
package probe

import (
	"fmt"
	"io"

	"github.com/WenyuanLau/stratovirt/kvm"
)

// interesting is the capability set worth reporting: what the machine
// requires plus the optional accelerations it can use.
var interesting = []kvm.Capability{
	kvm.CapIRQChip,
	kvm.CapHLT,
	kvm.CapUserMemory,
	kvm.CapNRVCPUs,
	kvm.CapNRMemSlots,
	kvm.CapIRQInjectStatus,
	kvm.CapIOEventFD,
	kvm.CapIRQFD,
	kvm.CapReadonlyMem,
	kvm.CapMultiAddressSpace,
}

// Capabilities opens the KVM device at path and writes a capability report
// to w. Open fails when a required capability is missing, so a successful
// report means the host can run guests.
func Capabilities(w io.Writer, path string) error {
	s, err := kvm.Open(path)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Fprintf(w, "%s: usable\n", path)

	for _, c := range interesting {
		res, err := s.CheckExtension(c)
		if err != nil {
			return fmt.Errorf("check %s: %w", c, err)
		}

		supported := "no"
		if res != 0 {
			supported = "yes"
		}

		// NR-style caps answer with a count rather than a flag.
		switch c {
		case kvm.CapNRVCPUs, kvm.CapNRMemSlots:
			fmt.Fprintf(w, "  %-32s %d\n", c, res)
		default:
			fmt.Fprintf(w, "  %-32s %s\n", c, supported)
		}
	}

	return nil
}
