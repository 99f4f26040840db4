package kvm

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Capability is a KVM extension number for KVM_CHECK_EXTENSION.
type Capability uint32

const (
	CapIRQChip      Capability = 0
	CapHLT          Capability = 1
	CapUserMemory   Capability = 3
	CapNRVCPUs      Capability = 9
	CapNRMemSlots   Capability = 10
	CapIRQInjectStatus Capability = 26
	CapIOEventFD    Capability = 36
	CapIRQFD        Capability = 32
	CapReadonlyMem  Capability = 81
	CapMultiAddressSpace Capability = 118
)

var capNames = map[Capability]string{
	CapIRQChip:           "KVM_CAP_IRQCHIP",
	CapHLT:               "KVM_CAP_HLT",
	CapUserMemory:        "KVM_CAP_USER_MEMORY",
	CapNRVCPUs:           "KVM_CAP_NR_VCPUS",
	CapNRMemSlots:        "KVM_CAP_NR_MEMSLOTS",
	CapIRQInjectStatus:   "KVM_CAP_IRQ_INJECT_STATUS",
	CapIOEventFD:         "KVM_CAP_IOEVENTFD",
	CapIRQFD:             "KVM_CAP_IRQFD",
	CapReadonlyMem:       "KVM_CAP_READONLY_MEM",
	CapMultiAddressSpace: "KVM_CAP_MULTI_ADDRESS_SPACE",
}

func (c Capability) String() string {
	if n, ok := capNames[c]; ok {
		return n
	}

	return fmt.Sprintf("KVM_CAP_%d", uint32(c))
}

// CheckExtension queries one capability; the result is capability-specific
// (0 means unsupported).
func (s *System) CheckExtension(c Capability) (uintptr, error) {
	return ioctl(s.dev.Fd(), kvmCheckExtension, uintptr(c))
}

// required are the capabilities the machine cannot run without.
var required = []Capability{
	CapIRQChip,
	CapUserMemory,
	CapNRMemSlots,
}

// probe verifies the required capability set and logs the optional ones.
func (s *System) probe() error {
	log := logrus.WithField("subsystem", "kvm")

	for _, c := range required {
		res, err := s.CheckExtension(c)
		if err != nil {
			return fmt.Errorf("CheckExtension %s: %w", c, err)
		}

		if res == 0 {
			return fmt.Errorf("%w: %s", ErrCapabilityMissing, c)
		}
	}

	for _, c := range []Capability{CapIOEventFD, CapIRQFD, CapReadonlyMem} {
		res, _ := s.CheckExtension(c)
		log.WithFields(logrus.Fields{"cap": c.String(), "supported": res != 0}).
			Debug("optional capability")
	}

	return nil
}
