package term_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/WenyuanLau/stratovirt/term"
)

func TestIsTerminalOnPipe(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	defer r.Close()
	defer w.Close()

	assert.False(t, term.IsTerminal(int(r.Fd())))
}

func TestSetRawModeOnNonTerminal(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	defer r.Close()
	defer w.Close()

	restore, err := term.SetRawMode(int(r.Fd()))
	assert.Error(t, err)
	restore()
}
