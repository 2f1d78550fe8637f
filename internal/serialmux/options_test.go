package serialmux

import (
	"testing"

	"go.bug.st/serial"
)

func TestPortOptionsNormalizeDefaults(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if opts.BaudRate != 115200 {
		t.Errorf("default baud = %d, want 115200", opts.BaudRate)
	}
	if opts.DataBits != 8 || opts.StopBits != 1 || opts.Parity != "N" {
		t.Errorf("defaults = %+v, want 8N1", opts)
	}
}

func TestPortOptionsNormalizeRejects(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
	}{
		{"data bits too small", PortOptions{DataBits: 4}},
		{"data bits too large", PortOptions{DataBits: 9}},
		{"bad stop bits", PortOptions{StopBits: 3}},
		{"bad parity", PortOptions{Parity: "M"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.opts.Normalize(); err == nil {
				t.Errorf("Normalize(%+v) accepted invalid options", tt.opts)
			}
		})
	}
}

func TestPortOptionsParityAliases(t *testing.T) {
	for alias, want := range map[string]string{
		"none": "N", "EVEN": "E", "odd": "O", " n ": "N",
	} {
		opts, err := PortOptions{Parity: alias}.Normalize()
		if err != nil {
			t.Errorf("Normalize parity %q: %v", alias, err)
			continue
		}
		if opts.Parity != want {
			t.Errorf("parity %q normalized to %q, want %q", alias, opts.Parity, want)
		}
	}
}

func TestPortOptionsEqual(t *testing.T) {
	a := PortOptions{BaudRate: 115200, Parity: "none"}
	b := PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}
	if !a.Equal(b) {
		t.Errorf("options %+v and %+v should compare equal after normalization", a, b)
	}
	c := PortOptions{BaudRate: 9600}
	if a.Equal(c) {
		t.Errorf("options with different baud rates should not be equal")
	}
}

func TestPortOptionsSerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 115200, Parity: "even", StopBits: 2}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode: %v", err)
	}
	if mode.BaudRate != 115200 || mode.Parity != serial.EvenParity || mode.StopBits != serial.StopBits(2) {
		t.Errorf("unexpected mode %+v", mode)
	}
}
