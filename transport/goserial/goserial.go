// Package goserial adapts github.com/daedaluz/goserial (the pack's
// ioctl/termios2-level Linux serial library) to the transport.SerialTransport
// contract. Unlike the other two adapters it reaches the modem control
// lines directly, which is the one part of the original driver's io_serial.c
// (DTR/RTS toggling in IO_Serial_SetProperties) the other two adapters
// cannot express.
package goserial

import (
	"errors"
	"fmt"
	"time"

	goserial "github.com/daedaluz/goserial"

	"github.com/syntech-pro/towitoko-go/transport"
)

// Adapter implements transport.SerialTransport over a goserial.Port.
type Adapter struct {
	port  *goserial.Port
	props transport.Properties
	have  bool
}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Open(portSpec string) error {
	opts := goserial.NewOptions().SetReadTimeout(0)
	port, err := goserial.Open(portSpec, opts)
	if err != nil {
		return fmt.Errorf("goserial: open %q: %w", portSpec, err)
	}
	if err := port.MakeRaw(); err != nil {
		port.Close()
		return fmt.Errorf("goserial: MakeRaw: %w", err)
	}
	a.port = port
	start := transport.Properties{
		InputBaud: 9600, OutputBaud: 9600, Bits: 8,
		Parity: transport.ParityEven, StopBits: 2,
	}
	if err := a.SetProperties(start); err != nil {
		port.Close()
		return err
	}
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
		return transport.Properties{}, errors.New("goserial: not open")
	}
	return a.props, nil
}

func (a *Adapter) SetProperties(props transport.Properties) error {
	if a.port == nil {
		return errors.New("goserial: not open")
	}
	if a.have && props == a.props {
		return nil
	}

	attrs, err := a.port.GetAttr2()
	if err != nil {
		return fmt.Errorf("goserial: GetAttr2: %w", err)
	}

	attrs.Cflag &^= goserial.CSIZE | goserial.PARENB | goserial.PARODD | goserial.CSTOPB
	switch props.Bits {
	case 7:
		attrs.Cflag |= goserial.CS7
	default:
		attrs.Cflag |= goserial.CS8
	}
	switch props.Parity {
	case transport.ParityEven:
		attrs.Cflag |= goserial.PARENB
	case transport.ParityOdd:
		attrs.Cflag |= goserial.PARENB | goserial.PARODD
	}
	if props.StopBits == 2 {
		attrs.Cflag |= goserial.CSTOPB
	}
	attrs.ISpeed = uint32(props.InputBaud)
	attrs.OSpeed = uint32(props.OutputBaud)

	if err := a.port.SetAttr2(goserial.TCSANOW, attrs); err != nil {
		return fmt.Errorf("goserial: SetAttr2: %w", err)
	}

	lines := goserial.ModemLine(0)
	if props.DTR == transport.High {
		lines |= goserial.TIOCM_DTR
	}
	if props.RTS == transport.High {
		lines |= goserial.TIOCM_RTS
	}
	if err := a.port.SetModemLines(lines); err != nil {
		return fmt.Errorf("goserial: SetModemLines: %w", err)
	}

	a.props = props
	a.have = true
	return nil
}

func (a *Adapter) Read(buf []byte, timeout time.Duration) (int, error) {
	if a.port == nil {
		return 0, errors.New("goserial: not open")
	}
	n := 0
	for n < len(buf) {
		m, err := a.port.ReadTimeout(buf[n:], timeout)
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, fmt.Errorf("goserial: read timeout after %d/%d bytes", n, len(buf))
		}
		n += m
	}
	return n, nil
}

func (a *Adapter) Write(data []byte, delay time.Duration) (int, error) {
	if a.port == nil {
		return 0, errors.New("goserial: not open")
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return a.port.Write(data)
}

var _ transport.SerialTransport = (*Adapter)(nil)
