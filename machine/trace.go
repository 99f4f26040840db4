package machine

import (
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"github.com/WenyuanLau/stratovirt/hv"
)

// maxInsnLen is the x86 architectural limit.
const maxInsnLen = 15

// tracer periodically disassembles the guest instruction at RIP, for
// chasing guests that spin or fault without console output. It is inert
// unless tracing is configured and the vCPU exposes registers.
type tracer struct {
	m      *Machine
	regs   hv.RegReader
	every  int
	exits  int
	logger *logrus.Entry
}

func newTracer(m *Machine, vcpu hv.VCPU) *tracer {
	t := &tracer{m: m, every: m.cfg.TraceEvery}

	if t.every <= 0 {
		return t
	}

	rr, ok := vcpu.(hv.RegReader)
	if !ok {
		return t
	}

	t.regs = rr
	t.logger = m.logger.WithField("vcpu", vcpu.ID())

	return t
}

func (t *tracer) tick() {
	if t.regs == nil {
		return
	}

	t.exits++
	if t.exits%t.every != 0 {
		return
	}

	regs, err := t.regs.Regs()
	if err != nil {
		t.logger.WithError(err).Debug("trace: register read failed")

		return
	}

	code := make([]byte, maxInsnLen)
	if err := t.m.mem.ReadAt(code, regs.RIP); err != nil {
		t.logger.WithField("rip", hexAddr(regs.RIP)).Debug("trace: rip outside guest ram")

		return
	}

	fields := logrus.Fields{
		"rip":    hexAddr(regs.RIP),
		"rsp":    hexAddr(regs.RSP),
		"rflags": hexAddr(regs.RFLAGS),
	}

	insn, err := x86asm.Decode(code, 64)
	if err != nil {
		fields["bytes"] = hex.EncodeToString(code)
		t.logger.WithFields(fields).Debug("trace: undecodable instruction")

		return
	}

	fields["insn"] = x86asm.IntelSyntax(insn, regs.RIP, nil)
	t.logger.WithFields(fields).Debug("trace")
}

func hexAddr(v uint64) string {
	return fmt.Sprintf("%#x", v)
}
