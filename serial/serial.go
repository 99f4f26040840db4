// Package serial emulates a 16550A UART on COM1 for the guest console.
// Output bytes go to the configured writer; host-side input is queued on a
// channel and drained by guest reads.
package serial

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// COM1Addr is the first port of the emulated UART.
const COM1Addr = 0x03f8

// PortCount is the width of the UART's port window.
const PortCount = 8

// IRQ is the interrupt line COM1 raises.
const IRQ = 4

// Serial is the UART register file. In and Out are called from the vCPU
// dispatch path; PushInput may be called from any goroutine.
type Serial struct {
	mu  sync.Mutex
	ier byte
	lcr byte

	out   io.Writer
	input chan byte
	pulse func()

	logger *logrus.Entry
}

// New builds the UART. pulse injects the UART's interrupt line and may be
// nil when interrupts are not wired.
func New(out io.Writer, pulse func()) *Serial {
	if pulse == nil {
		pulse = func() {}
	}

	return &Serial{
		out:    out,
		input:  make(chan byte, 10000),
		pulse:  pulse,
		logger: logrus.WithField("device", "serial"),
	}
}

// PushInput queues console bytes for the guest; overflow drops input.
func (s *Serial) PushInput(p []byte) {
	for _, b := range p {
		select {
		case s.input <- b:
			s.pulse()
		default:
			return
		}
	}
}

func (s *Serial) dlab() bool {
	return s.lcr&0x80 != 0
}

// In services a guest port read within the UART window.
func (s *Serial) In(port uint64, values []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(values) == 0 {
		return nil
	}

	switch port - COM1Addr {
	case 0:
		if s.dlab() {
			values[0] = 0x0c // divisor low, 9600 baud

			break
		}

		select {
		case b := <-s.input:
			values[0] = b
		default:
			values[0] = 0
		}
	case 1:
		if s.dlab() {
			values[0] = 0 // divisor high

			break
		}

		values[0] = s.ier
	case 5:
		values[0] = 0x60 // transmitter idle
		if len(s.input) > 0 {
			values[0] |= 0x01 // data ready
		}
	default:
		values[0] = 0
	}

	return nil
}

// Out services a guest port write within the UART window.
func (s *Serial) Out(port uint64, values []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(values) == 0 {
		return nil
	}

	switch port - COM1Addr {
	case 0:
		if s.dlab() {
			break
		}

		if s.out != nil {
			if _, err := s.out.Write(values[:1]); err != nil {
				s.logger.WithError(err).Warn("console write failed")
			}
		}
	case 1:
		if s.dlab() {
			break
		}

		s.ier = values[0]
		if s.ier != 0 {
			s.pulse()
		}
	case 3:
		s.lcr = values[0]
	}

	return nil
}
