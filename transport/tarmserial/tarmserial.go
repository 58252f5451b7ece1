// Package tarmserial adapts github.com/tarm/serial to the
// transport.SerialTransport contract. It is an alternative to the rs232
// adapter for hosts where go-rs232 is unavailable; tarm/serial is the
// dependency seedhammer-seedhammer's mjolnir stepper driver uses for the
// same kind of half-duplex, timeout-gated line.
package tarmserial

import (
	"errors"
	"fmt"
	"time"

	serial "github.com/tarm/serial"

	"github.com/syntech-pro/towitoko-go/transport"
)

// Adapter implements transport.SerialTransport over a tarm/serial port.
// tarm/serial has no live reconfiguration call: SetProperties beyond the
// initial Open requires closing and reopening the underlying port, which
// this adapter does transparently.
type Adapter struct {
	portSpec string
	port     *serial.Port
	props    transport.Properties
	have     bool
}

func New() *Adapter {
	return &Adapter{}
}

func config(portSpec string, p transport.Properties) *serial.Config {
	var parity serial.Parity
	switch p.Parity {
	case transport.ParityEven:
		parity = serial.ParityEven
	case transport.ParityOdd:
		parity = serial.ParityOdd
	default:
		parity = serial.ParityNone
	}
	stop := serial.Stop1
	if p.StopBits == 2 {
		stop = serial.Stop2
	}
	return &serial.Config{
		Name:        portSpec,
		Baud:        p.InputBaud,
		Size:        byte(p.Bits),
		Parity:      parity,
		StopBits:    stop,
		ReadTimeout: 50 * time.Millisecond,
	}
}

func (a *Adapter) Open(portSpec string) error {
	a.portSpec = portSpec
	start := transport.Properties{
		InputBaud: 9600, OutputBaud: 9600, Bits: 8,
		Parity: transport.ParityEven, StopBits: 2,
	}
	port, err := serial.OpenPort(config(portSpec, start))
	if err != nil {
		return fmt.Errorf("tarmserial: open %q: %w", portSpec, err)
	}
	a.port = port
	a.props = start
	a.have = true
	return nil
}

func (a *Adapter) Close() error {
	if a.port == nil {
		return nil
	}
	err := a.port.Close()
	a.port = nil
	a.have = false
	return err
}

func (a *Adapter) Properties() (transport.Properties, error) {
	if !a.have {
		return transport.Properties{}, errors.New("tarmserial: not open")
	}
	return a.props, nil
}

// SetProperties reopens the port since tarm/serial exposes no ioctl-level
// reconfiguration of an already-open handle.
func (a *Adapter) SetProperties(props transport.Properties) error {
	if a.port == nil {
		return errors.New("tarmserial: not open")
	}
	if a.have && props == a.props {
		return nil
	}
	if err := a.port.Close(); err != nil {
		return err
	}
	port, err := serial.OpenPort(config(a.portSpec, props))
	if err != nil {
		return fmt.Errorf("tarmserial: reopen at new properties: %w", err)
	}
	a.port = port
	a.props = props
	return nil
}

func (a *Adapter) Read(buf []byte, timeout time.Duration) (int, error) {
	if a.port == nil {
		return 0, errors.New("tarmserial: not open")
	}
	deadline := time.Now().Add(timeout)
	n := 0
	for n < len(buf) {
		if time.Now().After(deadline) {
			return n, fmt.Errorf("tarmserial: read timeout after %d/%d bytes", n, len(buf))
		}
		m, err := a.port.Read(buf[n:])
		if err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}

func (a *Adapter) Write(data []byte, delay time.Duration) (int, error) {
	if a.port == nil {
		return 0, errors.New("tarmserial: not open")
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return a.port.Write(data)
}

var _ transport.SerialTransport = (*Adapter)(nil)
