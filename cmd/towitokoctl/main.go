// Command towitokoctl is a small diagnostic tool for a Towitoko-protocol
// reader: it opens a serial port, identifies the reader, probes a slot for
// a card, and optionally sends one APDU, printing the response. It exists
// to exercise the library end to end the way a real integrator would wire
// it, not as a full CT-API host.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/syntech-pro/towitoko-go/ifd"
	"github.com/syntech-pro/towitoko-go/pps"
	"github.com/syntech-pro/towitoko-go/slot"
	"github.com/syntech-pro/towitoko-go/transport"
	"github.com/syntech-pro/towitoko-go/transport/goserial"
	"github.com/syntech-pro/towitoko-go/transport/rs232"
	"github.com/syntech-pro/towitoko-go/transport/tarmserial"
)

func main() {
	port := flag.String("port", "/dev/ttyUSB0", "serial port the reader is attached to")
	backend := flag.String("backend", "rs232", "transport backend: rs232, tarmserial, or goserial")
	slotName := flag.String("slot", "a", "reader slot to drive: a or b")
	asyncFirst := flag.Bool("async-first", false, "probe async before sync (default is sync-first)")
	ppsProtocol := flag.Int("pps-protocol", 0, "negotiate this T protocol via PPS (0 disables PPS)")
	apduHex := flag.String("apdu", "", "hex-encoded command APDU to send after a successful probe")
	flag.Parse()

	tr, err := openTransport(*backend)
	if err != nil {
		log.Fatalf("towitokoctl: %s", err)
	}
	if err := tr.Open(*port); err != nil {
		log.Fatalf("towitokoctl: opening %s: %s", *port, err)
	}
	defer tr.Close()

	ifdSlot, err := parseSlot(*slotName)
	if err != nil {
		log.Fatalf("towitokoctl: %s", err)
	}

	cfg := slot.Config{AsyncFirst: *asyncFirst}
	if *ppsProtocol != 0 {
		cfg.PPS = &pps.Request{Protocol: *ppsProtocol}
	}

	s, e := slot.Open(tr, ifdSlot, cfg)
	if e != nil {
		log.Fatalf("towitokoctl: opening reader: %s", e)
	}
	defer s.Close()

	info := s.Info()
	fmt.Printf("reader: %s firmware %02X, %d slot(s), max baud %d\n",
		info.Description, info.Firmware, info.NumSlots, info.MaxBaudrate)

	if e := s.Probe(); e != nil {
		log.Fatalf("towitokoctl: probe: %s", e)
	}
	fmt.Printf("slot %d: %s card present\n", ifdSlot, s.State())
	defer s.Release()

	if *apduHex == "" {
		return
	}
	cmd, err := hex.DecodeString(strings.TrimSpace(*apduHex))
	if err != nil {
		log.Fatalf("towitokoctl: -apdu: %s", err)
	}
	resp, e := s.Command(cmd)
	if e != nil {
		log.Fatalf("towitokoctl: command: %s", e)
	}
	fmt.Printf("response: %s\n", hex.EncodeToString(resp))
}

func openTransport(backend string) (transport.SerialTransport, error) {
	switch backend {
	case "rs232":
		return rs232.New(), nil
	case "tarmserial":
		return tarmserial.New(), nil
	case "goserial":
		return goserial.New(), nil
	default:
		return nil, fmt.Errorf("unknown -backend %q (want rs232, tarmserial, or goserial)", backend)
	}
}

func parseSlot(name string) (ifd.Slot, error) {
	switch strings.ToLower(name) {
	case "a":
		return ifd.SlotA, nil
	case "b":
		return ifd.SlotB, nil
	default:
		return 0, fmt.Errorf("unknown -slot %q (want a or b)", name)
	}
}
