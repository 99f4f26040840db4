package kvm_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/WenyuanLau/stratovirt/kvm"
	"github.com/WenyuanLau/stratovirt/memory"
)

const devKVM = "/dev/kvm"

func openSystem(t *testing.T) *kvm.System {
	t.Helper()

	if _, err := os.Stat(devKVM); err != nil {
		t.Skipf("%s not available", devKVM)
	}

	s, err := kvm.Open(devKVM)
	if err != nil {
		t.Skipf("open %s: %v", devKVM, err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

func TestOpenProbesCapabilities(t *testing.T) {
	s := openSystem(t)

	res, err := s.CheckExtension(kvm.CapUserMemory)
	require.NoError(t, err)
	require.NotZero(t, res)
}

func TestCreateVMAndVCPU(t *testing.T) {
	s := openSystem(t)

	vm, err := s.NewVM()
	require.NoError(t, err)

	defer vm.Close()

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)

	defer mem.Close()

	for _, r := range mem.Regions() {
		require.NoError(t, vm.MapRegion(r.GuestAddr, r.Bytes()))
	}

	vcpu, err := vm.CreateVCPU(0)
	require.NoError(t, err)
	require.Equal(t, 0, vcpu.ID())

	require.NoError(t, vm.PulseIRQ(4))
}

func TestCapabilityStringer(t *testing.T) {
	t.Parallel()

	require.Equal(t, "KVM_CAP_IRQCHIP", kvm.CapIRQChip.String())
	require.Equal(t, "KVM_CAP_9999", kvm.Capability(9999).String())
}
