package serialmux

import (
	"testing"

	"go.bug.st/serial"
)

func TestNormaliseAppliesDefaults(t *testing.T) {
	opts, err := PortOptions{}.Normalise()
	if err != nil {
		t.Fatalf("Normalise failed: %v", err)
	}
	if opts.BaudRate != 9600 {
		t.Errorf("default baud rate: got %d, want 9600", opts.BaudRate)
	}
	if opts.DataBits != 8 {
		t.Errorf("default data bits: got %d, want 8", opts.DataBits)
	}
	if opts.StopBits != 1 {
		t.Errorf("default stop bits: got %d, want 1", opts.StopBits)
	}
	if opts.Parity != "N" {
		t.Errorf("default parity: got %q, want N", opts.Parity)
	}
}

func TestNormaliseRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		opts PortOptions
	}{
		{"nonstandard baud", PortOptions{BaudRate: 12345}},
		{"data bits too low", PortOptions{DataBits: 4}},
		{"data bits too high", PortOptions{DataBits: 9}},
		{"bad stop bits", PortOptions{StopBits: 3}},
		{"bad parity", PortOptions{Parity: "X"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.opts.Normalise(); err == nil {
				t.Errorf("expected error for %+v, got nil", tc.opts)
			}
		})
	}
}

func TestNormaliseParityAliases(t *testing.T) {
	for in, want := range map[string]string{
		"none": "N", "EVEN": "E", "odd": "O", " e ": "E", "": "N",
	} {
		opts, err := PortOptions{Parity: in}.Normalise()
		if err != nil {
			t.Fatalf("Normalise parity %q failed: %v", in, err)
		}
		if opts.Parity != want {
			t.Errorf("parity %q: got %q, want %q", in, opts.Parity, want)
		}
	}
}

func TestPortOptionsEqual(t *testing.T) {
	a := PortOptions{BaudRate: 9600, Parity: "none"}
	b := PortOptions{DataBits: 8, StopBits: 1, Parity: "N"}
	eq, err := a.Equal(b)
	if err != nil {
		t.Fatalf("Equal failed: %v", err)
	}
	if !eq {
		t.Errorf("expected %+v and %+v to normalise equal", a, b)
	}

	c := PortOptions{BaudRate: 115200}
	eq, err = a.Equal(c)
	if err != nil {
		t.Fatalf("Equal failed: %v", err)
	}
	if eq {
		t.Error("expected different baud rates to compare unequal")
	}

	if _, err := a.Equal(PortOptions{BaudRate: 12345}); err == nil {
		t.Error("expected error comparing against invalid options")
	}
}

func TestSerialModeTranslation(t *testing.T) {
	mode, err := PortOptions{BaudRate: 38400, Parity: "even", StopBits: 2}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode failed: %v", err)
	}
	if mode.BaudRate != 38400 {
		t.Errorf("baud rate: got %d, want 38400", mode.BaudRate)
	}
	if mode.Parity != serial.EvenParity {
		t.Errorf("parity: got %v, want EvenParity", mode.Parity)
	}
	if mode.StopBits != serial.StopBits(2) {
		t.Errorf("stop bits: got %v, want 2", mode.StopBits)
	}

	if _, err := (PortOptions{BaudRate: 7}).SerialMode(); err == nil {
		t.Error("expected error for invalid options")
	}
}
