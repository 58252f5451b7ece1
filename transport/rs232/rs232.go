// Package rs232 adapts github.com/syntech-pro/go-rs232 to the
// transport.SerialTransport contract. This is the default transport: the
// same dependency and the same OpenPort/SetInputAttr/Read/Write call shape
// the reader driver this module grew out of already used.
package rs232

import (
	"errors"
	"fmt"
	"log"
	"time"

	rs232 "github.com/syntech-pro/go-rs232"

	"github.com/syntech-pro/towitoko-go/transport"
)

// Adapter implements transport.SerialTransport over a single go-rs232 port.
type Adapter struct {
	port  *rs232.SerialPort
	props transport.Properties
	have  bool
}

// New returns an unopened adapter. Call Open before any I/O.
func New() *Adapter {
	return &Adapter{}
}

func mode(p transport.Properties) (rs232.Mode, error) {
	switch {
	case p.Bits == 8 && p.Parity == transport.ParityNone && p.StopBits == 1:
		return rs232.S_8N1X, nil
	case p.Bits == 8 && p.Parity == transport.ParityNone && p.StopBits == 2:
		return rs232.S_8N2X, nil
	case p.Bits == 8 && p.Parity == transport.ParityEven && p.StopBits == 1:
		return rs232.S_8E1X, nil
	case p.Bits == 8 && p.Parity == transport.ParityEven && p.StopBits == 2:
		return rs232.S_8E2X, nil
	case p.Bits == 8 && p.Parity == transport.ParityOdd && p.StopBits == 1:
		return rs232.S_8O1X, nil
	case p.Bits == 8 && p.Parity == transport.ParityOdd && p.StopBits == 2:
		return rs232.S_8O2X, nil
	default:
		return 0, fmt.Errorf("rs232: unsupported line shape %d%v%d", p.Bits, p.Parity, p.StopBits)
	}
}

// Open opens portSpec (e.g. "/dev/ttyUSB0") at the reader's default 8E2
// shape, 9600bps, matching IFD_Towitoko_Init's starting point before any
// set_baud/set_parity renegotiation.
func (a *Adapter) Open(portSpec string) error {
	start := transport.Properties{
		InputBaud: 9600, OutputBaud: 9600, Bits: 8,
		Parity: transport.ParityEven, StopBits: 2,
	}
	m, err := mode(start)
	if err != nil {
		return err
	}
	port, err := rs232.OpenPort(portSpec, start.InputBaud, m)
	if err != nil {
		log.Printf("[ERROR] rs232: opening port %q: %s", portSpec, err)
		return err
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
		return transport.Properties{}, errors.New("rs232: not open")
	}
	return a.props, nil
}

func (a *Adapter) SetProperties(props transport.Properties) error {
	if a.port == nil {
		return errors.New("rs232: not open")
	}
	if a.have && props == a.props {
		return nil
	}
	m, err := mode(props)
	if err != nil {
		return err
	}
	if err := a.port.SetMode(m); err != nil {
		log.Printf("[ERROR] rs232: SetMode: %s", err)
		return err
	}
	if err := a.port.SetBaud(props.InputBaud); err != nil {
		log.Printf("[ERROR] rs232: SetBaud: %s", err)
		return err
	}
	a.props = props
	a.have = true
	return nil
}

func (a *Adapter) Read(buf []byte, timeout time.Duration) (int, error) {
	if a.port == nil {
		return 0, errors.New("rs232: not open")
	}
	a.port.SetInputAttr(0, timeout)
	n := 0
	for n < len(buf) {
		m, err := a.port.Read(buf[n:])
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, fmt.Errorf("rs232: read timeout after %d/%d bytes", n, len(buf))
		}
		n += m
	}
	return n, nil
}

func (a *Adapter) Write(data []byte, delay time.Duration) (int, error) {
	if a.port == nil {
		return 0, errors.New("rs232: not open")
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return a.port.Write(data)
}

var _ transport.SerialTransport = (*Adapter)(nil)
